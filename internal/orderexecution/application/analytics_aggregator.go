package application

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/metrics"
)

// StyleStats 单一执行方式按终态的计数，Successful 即全部成交。
type StyleStats struct {
	Total           int64 `json:"total"`
	Successful      int64 `json:"successful"`
	PartiallyFilled int64 `json:"partially_filled"`
	Failed          int64 `json:"failed"`
	Cancelled       int64 `json:"cancelled"`
	Expired         int64 `json:"expired"`
}

func (s *StyleStats) add(status domain.Status) {
	s.Total++
	switch status {
	case domain.StatusFilled:
		s.Successful++
	case domain.StatusPartiallyFilled:
		s.PartiallyFilled++
	case domain.StatusFailed:
		s.Failed++
	case domain.StatusCancelled:
		s.Cancelled++
	case domain.StatusExpired:
		s.Expired++
	}
}

// AnalyticsSnapshot 聚合统计快照。
type AnalyticsSnapshot struct {
	TotalOrders       int64                       `json:"total_orders"`
	SuccessfulOrders  int64                       `json:"successful_orders"`
	SuccessRate       float64                     `json:"success_rate"`
	ByStyle           map[domain.Style]StyleStats `json:"by_style"`
	ByStatus          map[domain.Status]int64     `json:"by_status"`
	AvgExecutionTime  time.Duration               `json:"avg_execution_time"`
	AvgSlippage       float64                     `json:"avg_slippage"`
	EWMAExecutionTime time.Duration               `json:"ewma_execution_time"`
	EWMASlippage      float64                     `json:"ewma_slippage"`
	TotalVolume       decimal.Decimal             `json:"total_volume"`
	TotalNotional     decimal.Decimal             `json:"total_notional"`
	TotalFees         decimal.Decimal             `json:"total_fees"`
}

// AnalyticsAggregator 按根订单汇总执行统计，每个订单只计一次。
type AnalyticsAggregator struct {
	alpha   float64
	metrics *metrics.Metrics

	mu       sync.RWMutex
	seen     map[string]struct{}
	total    int64
	success  int64
	byStyle  map[domain.Style]StyleStats
	byStatus map[domain.Status]int64
	sumTime  time.Duration
	sumSlip  float64
	ewmaTime float64
	ewmaSlip float64
	volume   decimal.Decimal
	notional decimal.Decimal
	fees     decimal.Decimal
}

// NewAnalyticsAggregator 构造函数。alpha 为 EWMA 平滑系数，取值 (0,1]。
func NewAnalyticsAggregator(alpha float64, m *metrics.Metrics) *AnalyticsAggregator {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &AnalyticsAggregator{
		alpha:    alpha,
		metrics:  m,
		seen:     make(map[string]struct{}),
		byStyle:  make(map[domain.Style]StyleStats),
		byStatus: make(map[domain.Status]int64),
	}
}

// Record 计入一个已终结的订单，重复记录或未终结的订单被忽略。
func (a *AnalyticsAggregator) Record(o *domain.Order) bool {
	if o == nil || !o.IsTerminal() {
		return false
	}
	slippage := o.Analytics.Slippage.InexactFloat64()
	elapsed := o.Analytics.ExecutionTime

	a.mu.Lock()
	if _, dup := a.seen[o.ID]; dup {
		a.mu.Unlock()
		return false
	}
	a.seen[o.ID] = struct{}{}

	a.total++
	if o.Status == domain.StatusFilled {
		a.success++
	}
	st := a.byStyle[o.Style]
	st.add(o.Status)
	a.byStyle[o.Style] = st
	a.byStatus[o.Status]++

	a.sumTime += elapsed
	a.sumSlip += slippage
	if a.total == 1 {
		a.ewmaTime = float64(elapsed)
		a.ewmaSlip = slippage
	} else {
		a.ewmaTime = a.alpha*float64(elapsed) + (1-a.alpha)*a.ewmaTime
		a.ewmaSlip = a.alpha*slippage + (1-a.alpha)*a.ewmaSlip
	}
	for _, e := range o.Executions {
		a.volume = a.volume.Add(e.Quantity)
		a.notional = a.notional.Add(e.Notional())
		a.fees = a.fees.Add(e.Fee)
	}
	a.mu.Unlock()

	a.metrics.RecordTerminal(string(o.Style), string(o.Status), elapsed.Seconds(), slippage)
	return true
}

// Snapshot 当前统计。
func (a *AnalyticsAggregator) Snapshot() *AnalyticsSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := &AnalyticsSnapshot{
		TotalOrders:       a.total,
		SuccessfulOrders:  a.success,
		ByStyle:           make(map[domain.Style]StyleStats, len(a.byStyle)),
		ByStatus:          make(map[domain.Status]int64, len(a.byStatus)),
		EWMAExecutionTime: time.Duration(a.ewmaTime),
		EWMASlippage:      a.ewmaSlip,
		TotalVolume:       a.volume,
		TotalNotional:     a.notional,
		TotalFees:         a.fees,
	}
	for k, v := range a.byStyle {
		s.ByStyle[k] = v
	}
	for k, v := range a.byStatus {
		s.ByStatus[k] = v
	}
	if a.total > 0 {
		s.SuccessRate = float64(a.success) / float64(a.total)
		s.AvgExecutionTime = a.sumTime / time.Duration(a.total)
		s.AvgSlippage = a.sumSlip / float64(a.total)
	}
	return s
}
