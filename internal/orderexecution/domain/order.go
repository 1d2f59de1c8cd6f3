// Package domain 订单执行核心的领域模型：订单、分片、成交、场所路由与拆单计算。
package domain

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/fsm"
	"github.com/wyfcoding/pkg/idgen"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回反方向，括号单离场腿使用
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Style 订单执行方式
type Style string

const (
	StyleMarket    Style = "MARKET"
	StyleLimit     Style = "LIMIT"
	StyleStop      Style = "STOP"
	StyleStopLimit Style = "STOP_LIMIT"
	StyleOCO       Style = "OCO"
	StyleIceberg   Style = "ICEBERG"
	StyleTWAP      Style = "TWAP"
	StyleVWAP      Style = "VWAP"
	StyleBracket   Style = "BRACKET"
)

// Supported 是否为引擎支持的执行方式
func (s Style) Supported() bool {
	switch s {
	case StyleMarket, StyleLimit, StyleStop, StyleStopLimit, StyleOCO,
		StyleIceberg, StyleTWAP, StyleVWAP, StyleBracket:
		return true
	}
	return false
}

// Status 订单状态
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusExecuting       Status = "EXECUTING"
	StatusFragmenting     Status = "FRAGMENTING"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
	StatusExpired         Status = "EXPIRED"
)

// 状态机事件
const (
	eventStart    fsm.Event = "START"
	eventFragment fsm.Event = "FRAGMENT"
	eventPartial  fsm.Event = "PARTIAL"
	eventFill     fsm.Event = "FILL"
	eventCancel   fsm.Event = "CANCEL"
	eventFail     fsm.Event = "FAIL"
	eventExpire   fsm.Event = "EXPIRE"
)

// StyleParams 各执行方式的附加参数
type StyleParams struct {
	// 冰山单：显示比例 (0,1] 或显示数量，二者取其一
	VisibleRatio decimal.Decimal `json:"visible_ratio"`
	VisibleSize  decimal.Decimal `json:"visible_size"`
	// TWAP / VWAP 调度窗口
	Duration time.Duration `json:"duration"`
	Interval time.Duration `json:"interval"`
	// VWAP 成交量分布，按时段给出权重
	VolumeProfile []decimal.Decimal `json:"volume_profile,omitempty"`
	// 括号单
	EntryStyle      Style           `json:"entry_style,omitempty"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	// 限价、止损、OCO 的存活时间，为零时取引擎默认值
	Timeout time.Duration `json:"timeout"`
}

// VenueOrderRef 场所侧挂单引用，撤单时使用
type VenueOrderRef struct {
	VenueID      string `json:"venue_id"`
	VenueOrderID string `json:"venue_order_id"`
	FragmentID   string `json:"fragment_id,omitempty"`
	Symbol       string `json:"symbol"`
}

// ExecutionAnalytics 单笔订单的执行统计
type ExecutionAnalytics struct {
	AveragePrice     decimal.Decimal `json:"average_price"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	TotalFees        decimal.Decimal `json:"total_fees"`
	Slippage         decimal.Decimal `json:"slippage"`
	ExecutionRate    decimal.Decimal `json:"execution_rate"`
	ExecutionTime    time.Duration   `json:"execution_time"`
}

// Order 订单聚合根
type Order struct {
	ID              string          `json:"id"`
	ParentID        string          `json:"parent_id,omitempty"`
	ChildIDs        []string        `json:"child_ids,omitempty"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Style           Style           `json:"style"`
	Quantity        decimal.Decimal `json:"quantity"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	ReferencePrice  decimal.Decimal `json:"reference_price"`
	Params          StyleParams     `json:"params"`
	RoutingStrategy RoutingStrategy `json:"routing_strategy"`
	VenueID         string          `json:"venue_id,omitempty"`

	Status          Status             `json:"status"`
	StatusHistory   []Status           `json:"status_history"`
	Closed          bool               `json:"closed"`
	Executions      []*Execution       `json:"executions"`
	Fragments       []*Fragment        `json:"fragments,omitempty"`
	OpenVenueOrders []VenueOrderRef    `json:"open_venue_orders,omitempty"`
	Analytics       ExecutionAnalytics `json:"analytics"`
	Error           string             `json:"error,omitempty"`
	Issues          []string           `json:"issues,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	fsm *fsm.Machine
}

// NewOrder 由校验通过的请求创建待执行订单
func NewOrder(req *OrderRequest) *Order {
	now := time.Now()
	o := &Order{
		ID:              fmt.Sprintf("ORD-%d", idgen.GenID()),
		ParentID:        req.ParentID,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Style:           req.Style,
		Quantity:        req.Quantity,
		LimitPrice:      req.LimitPrice,
		StopPrice:       req.StopPrice,
		ReferencePrice:  req.ReferencePrice,
		Params:          req.Params,
		RoutingStrategy: req.RoutingStrategy,
		VenueID:         req.VenueID,
		Status:          StatusPending,
		StatusHistory:   []Status{StatusPending},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.initFSM()
	return o
}

func (o *Order) initFSM() {
	m := fsm.NewMachine(fsm.State(o.Status))
	live := []Status{StatusPending, StatusExecuting, StatusFragmenting, StatusPartiallyFilled}
	m.AddTransition(fsm.State(StatusPending), eventStart, fsm.State(StatusExecuting))
	m.AddTransition(fsm.State(StatusPending), eventFragment, fsm.State(StatusFragmenting))
	m.AddTransition(fsm.State(StatusExecuting), eventPartial, fsm.State(StatusPartiallyFilled))
	m.AddTransition(fsm.State(StatusFragmenting), eventPartial, fsm.State(StatusPartiallyFilled))
	for _, from := range live {
		m.AddTransition(fsm.State(from), eventFill, fsm.State(StatusFilled))
		m.AddTransition(fsm.State(from), eventCancel, fsm.State(StatusCancelled))
		m.AddTransition(fsm.State(from), eventFail, fsm.State(StatusFailed))
		m.AddTransition(fsm.State(from), eventExpire, fsm.State(StatusExpired))
	}
	o.fsm = m
}

// InitFSM 确保状态机已初始化，反序列化或克隆后的订单需先调用
func (o *Order) InitFSM() {
	if o.fsm == nil {
		o.initFSM()
	}
}

func (o *Order) transition(event fsm.Event, to Status) error {
	if o.Closed {
		return fmt.Errorf("%w: order %s is %s", ErrOrderTerminal, o.ID, o.Status)
	}
	o.InitFSM()
	if err := o.fsm.Trigger(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s -[%s]-> %s: %v", ErrInvalidTransition, o.Status, event, to, err)
	}
	o.Status = to
	o.StatusHistory = append(o.StatusHistory, to)
	o.UpdatedAt = time.Now()
	return nil
}

func (o *Order) close() {
	now := time.Now()
	o.Closed = true
	o.ClosedAt = &now
	o.Analytics.ExecutionTime = now.Sub(o.CreatedAt)
}

// Start 进入单次执行阶段
func (o *Order) Start() error {
	if o.Status == StatusExecuting {
		return nil
	}
	return o.transition(eventStart, StatusExecuting)
}

// BeginFragmenting 进入分片执行阶段
func (o *Order) BeginFragmenting() error {
	if o.Status == StatusFragmenting {
		return nil
	}
	return o.transition(eventFragment, StatusFragmenting)
}

// MarkPartiallyFilled 记录部分成交，已处于部分成交时不重复迁移
func (o *Order) MarkPartiallyFilled() error {
	if o.Status == StatusPartiallyFilled {
		return nil
	}
	return o.transition(eventPartial, StatusPartiallyFilled)
}

// Fill 全部成交并关闭
func (o *Order) Fill() error {
	if err := o.transition(eventFill, StatusFilled); err != nil {
		return err
	}
	o.close()
	return nil
}

// FinishPartial 以部分成交作为最终状态关闭
func (o *Order) FinishPartial(reason string) error {
	if err := o.MarkPartiallyFilled(); err != nil {
		return err
	}
	if reason != "" {
		o.Error = reason
	}
	o.close()
	return nil
}

// Fail 执行失败并关闭
func (o *Order) Fail(reason string) error {
	if err := o.transition(eventFail, StatusFailed); err != nil {
		return err
	}
	o.Error = reason
	o.close()
	return nil
}

// Cancel 撤销并关闭，已成交部分保留
func (o *Order) Cancel(reason string) error {
	if err := o.transition(eventCancel, StatusCancelled); err != nil {
		return err
	}
	o.Error = reason
	o.close()
	return nil
}

// Expire 到期并关闭，已成交部分保留
func (o *Order) Expire(reason string) error {
	if err := o.transition(eventExpire, StatusExpired); err != nil {
		return err
	}
	o.Error = reason
	o.close()
	return nil
}

// Settle 根据累计成交量决定最终状态：全部成交、部分成交或失败
func (o *Order) Settle(reason string) error {
	executed := o.ExecutedQuantity()
	switch {
	case executed.GreaterThanOrEqual(o.Quantity):
		return o.Fill()
	case executed.IsPositive():
		return o.FinishPartial(reason)
	default:
		return o.Fail(reason)
	}
}

// AppendExecution 追加成交记录，累计成交量不得超过委托数量
func (o *Order) AppendExecution(e *Execution) error {
	if o.Closed {
		return fmt.Errorf("%w: order %s is %s", ErrOrderTerminal, o.ID, o.Status)
	}
	if !e.Quantity.IsPositive() {
		return fmt.Errorf("execution quantity must be positive, got %s", e.Quantity)
	}
	if o.ExecutedQuantity().Add(e.Quantity).GreaterThan(o.Quantity) {
		return fmt.Errorf("%w: order %s executed %s + %s > %s",
			ErrQuantityExceeded, o.ID, o.ExecutedQuantity(), e.Quantity, o.Quantity)
	}
	o.Executions = append(o.Executions, e)
	o.UpdatedAt = time.Now()
	o.recalculate()
	return nil
}

// AdoptExecutions 父订单接收子订单的成交记录
func (o *Order) AdoptExecutions(execs []*Execution) error {
	for _, e := range execs {
		if slices.ContainsFunc(o.Executions, func(x *Execution) bool { return x.ID == e.ID }) {
			continue
		}
		if err := o.AppendExecution(e); err != nil {
			return err
		}
	}
	return nil
}

// AddChild 登记子订单
func (o *Order) AddChild(childID string) {
	o.ChildIDs = append(o.ChildIDs, childID)
}

// RecordIssue 记录不致命的执行问题
func (o *Order) RecordIssue(issue string) {
	o.Issues = append(o.Issues, issue)
	o.UpdatedAt = time.Now()
}

// SetFragments 写入拆单计划
func (o *Order) SetFragments(frags []*Fragment) {
	o.Fragments = frags
}

// AddFragment 追加分片，冰山单逐片生成时使用
func (o *Order) AddFragment(f *Fragment) {
	o.Fragments = append(o.Fragments, f)
}

// UpdateFragment 更新分片执行结果
func (o *Order) UpdateFragment(id string, status FragmentStatus, executed decimal.Decimal, errMsg string) {
	for _, f := range o.Fragments {
		if f.ID != id {
			continue
		}
		f.Status = status
		f.ExecutedQuantity = executed
		f.Error = errMsg
		return
	}
}

// TrackVenueOrder 登记仍在场所挂着的委托
func (o *Order) TrackVenueOrder(ref VenueOrderRef) {
	o.OpenVenueOrders = append(o.OpenVenueOrders, ref)
}

// ReleaseVenueOrder 场所委托已终结，从挂单列表移除
func (o *Order) ReleaseVenueOrder(venueOrderID string) {
	o.OpenVenueOrders = slices.DeleteFunc(o.OpenVenueOrders, func(r VenueOrderRef) bool {
		return r.VenueOrderID == venueOrderID
	})
}

// ExecutedQuantity 累计成交量
func (o *Order) ExecutedQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, e := range o.Executions {
		total = total.Add(e.Quantity)
	}
	return total
}

// Remaining 剩余未成交数量
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.ExecutedQuantity())
}

// IsTerminal 是否已关闭
func (o *Order) IsTerminal() bool {
	return o.Closed
}

func (o *Order) recalculate() {
	qty := decimal.Zero
	notional := decimal.Zero
	fees := decimal.Zero
	for _, e := range o.Executions {
		qty = qty.Add(e.Quantity)
		notional = notional.Add(e.Quantity.Mul(e.Price))
		fees = fees.Add(e.Fee)
	}
	a := &o.Analytics
	a.ExecutedQuantity = qty
	a.TotalFees = fees
	if qty.IsPositive() {
		a.AveragePrice = notional.Div(qty)
	}
	if o.Quantity.IsPositive() {
		a.ExecutionRate = qty.Div(o.Quantity)
	}
	if o.ReferencePrice.IsPositive() && a.AveragePrice.IsPositive() {
		a.Slippage = a.AveragePrice.Sub(o.ReferencePrice).Abs().Div(o.ReferencePrice)
	}
}

// Clone 深拷贝，供仓储对外返回快照
func (o *Order) Clone() *Order {
	c := *o
	c.fsm = nil
	c.ChildIDs = slices.Clone(o.ChildIDs)
	c.StatusHistory = slices.Clone(o.StatusHistory)
	c.Executions = slices.Clone(o.Executions)
	c.OpenVenueOrders = slices.Clone(o.OpenVenueOrders)
	c.Issues = slices.Clone(o.Issues)
	c.Params.VolumeProfile = slices.Clone(o.Params.VolumeProfile)
	if o.Fragments != nil {
		c.Fragments = make([]*Fragment, len(o.Fragments))
		for i, f := range o.Fragments {
			fc := *f
			c.Fragments[i] = &fc
		}
	}
	if o.ClosedAt != nil {
		t := *o.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Request 还原为规范化后的请求，供风控评估
func (o *Order) Request() *OrderRequest {
	return &OrderRequest{
		ClientOrderID:   o.ClientOrderID,
		ParentID:        o.ParentID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Style:           o.Style,
		Quantity:        o.Quantity,
		LimitPrice:      o.LimitPrice,
		StopPrice:       o.StopPrice,
		ReferencePrice:  o.ReferencePrice,
		Params:          o.Params,
		RoutingStrategy: o.RoutingStrategy,
		VenueID:         o.VenueID,
	}
}

// LimitCrossed 限价是否可成交：买入对手价不高于限价，卖出对手价不低于限价
func LimitCrossed(side Side, marketPrice, limit decimal.Decimal) bool {
	if !marketPrice.IsPositive() {
		return false
	}
	if side == SideBuy {
		return marketPrice.LessThanOrEqual(limit)
	}
	return marketPrice.GreaterThanOrEqual(limit)
}

// StopTriggered 止损是否触发：买入价格升至止损价以上，卖出跌至止损价以下
func StopTriggered(side Side, marketPrice, stop decimal.Decimal) bool {
	if !marketPrice.IsPositive() {
		return false
	}
	if side == SideBuy {
		return marketPrice.GreaterThanOrEqual(stop)
	}
	return marketPrice.LessThanOrEqual(stop)
}
