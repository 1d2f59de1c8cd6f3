// Package metrics 提供订单执行服务的 Prometheus 指标集合
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wyfcoding/orderexecution/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 订单
	OrdersSubmitted *prometheus.CounterVec
	OrdersTerminal  *prometheus.CounterVec
	OrdersActive    prometheus.Gauge
	ExecutionTime   *prometheus.HistogramVec
	Slippage        *prometheus.HistogramVec

	// 成交
	ExecutionsTotal  *prometheus.CounterVec
	ExecutedNotional *prometheus.CounterVec
	FeesTotal        *prometheus.CounterVec

	// 场所调用
	VenueCallsTotal   *prometheus.CounterVec
	VenueCallDuration *prometheus.HistogramVec
	VenueBreakerState *prometheus.GaugeVec
	VenueHealthy      *prometheus.GaugeVec

	// 事件
	EventsPublished *prometheus.CounterVec
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted for execution",
		}, []string{"style"}),
		OrdersTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "orders_terminal_total",
			Help:      "Orders that reached a terminal status",
		}, []string{"style", "status"}),
		OrdersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "orders_active",
			Help:      "Number of orders with a running execution task",
		}),
		ExecutionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "order_execution_seconds",
			Help:      "Time from acceptance to terminal status",
			Buckets:   []float64{0.05, 0.25, 1, 5, 30, 120, 600, 3600, 14400},
		}, []string{"style"}),
		Slippage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "order_slippage_ratio",
			Help:      "Relative slippage of the average fill price",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		}, []string{"style"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "executions_total",
			Help:      "Fills recorded per venue",
		}, []string{"venue"}),
		ExecutedNotional: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "executed_notional_total",
			Help:      "Filled notional per venue",
		}, []string{"venue"}),
		FeesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "fees_total",
			Help:      "Trading fees paid per venue",
		}, []string{"venue"}),

		VenueCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "venue_calls_total",
			Help:      "Venue adapter calls by outcome",
		}, []string{"venue", "op", "result"}),
		VenueCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "venue_call_duration_seconds",
			Help:      "Venue adapter call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"venue", "op"}),
		VenueBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "venue_breaker_state",
			Help:      "Circuit breaker state per venue (0 closed, 1 half-open, 2 open)",
		}, []string{"venue"}),
		VenueHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "venue_healthy",
			Help:      "Last connectivity probe result per venue",
		}, []string{"venue"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events published by type and outcome",
		}, []string{"type", "result"}),
	}
}

// Register 注册所有指标，reg 为 nil 时使用默认注册器
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.OrdersSubmitted,
		m.OrdersTerminal,
		m.OrdersActive,
		m.ExecutionTime,
		m.Slippage,
		m.ExecutionsTotal,
		m.ExecutedNotional,
		m.FeesTotal,
		m.VenueCallsTotal,
		m.VenueCallDuration,
		m.VenueBreakerState,
		m.VenueHealthy,
		m.EventsPublished,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}
	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// 以下记录方法允许 nil 接收者，未启用指标时直接忽略

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, path string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordVenueCall 记录场所调用
func (m *Metrics) RecordVenueCall(venue, op, result string, seconds float64) {
	if m == nil {
		return
	}
	m.VenueCallsTotal.WithLabelValues(venue, op, result).Inc()
	m.VenueCallDuration.WithLabelValues(venue, op).Observe(seconds)
}

// RecordFill 记录一笔成交
func (m *Metrics) RecordFill(venue string, notional, fee float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(venue).Inc()
	m.ExecutedNotional.WithLabelValues(venue).Add(notional)
	if fee > 0 {
		m.FeesTotal.WithLabelValues(venue).Add(fee)
	}
}

// RecordTerminal 记录订单终态
func (m *Metrics) RecordTerminal(style, status string, seconds, slippage float64) {
	if m == nil {
		return
	}
	m.OrdersTerminal.WithLabelValues(style, status).Inc()
	m.ExecutionTime.WithLabelValues(style).Observe(seconds)
	if slippage > 0 {
		m.Slippage.WithLabelValues(style).Observe(slippage)
	}
}

// RecordSubmitted 记录受理订单
func (m *Metrics) RecordSubmitted(style string) {
	if m == nil {
		return
	}
	m.OrdersSubmitted.WithLabelValues(style).Inc()
}

// SetActiveOrders 更新运行中订单数
func (m *Metrics) SetActiveOrders(n int) {
	if m == nil {
		return
	}
	m.OrdersActive.Set(float64(n))
}

// SetBreakerState 更新熔断器状态
func (m *Metrics) SetBreakerState(venue string, state int) {
	if m == nil {
		return
	}
	m.VenueBreakerState.WithLabelValues(venue).Set(float64(state))
}

// SetVenueHealthy 更新场所探测结果
func (m *Metrics) SetVenueHealthy(venue string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.VenueHealthy.WithLabelValues(venue).Set(v)
}

// RecordEvent 记录事件发布结果
func (m *Metrics) RecordEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}
