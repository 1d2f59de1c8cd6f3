// Package application 订单执行的应用层：提交、撤单、各执行方式的调度与事件发布。
package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/logger"
	"github.com/wyfcoding/orderexecution/pkg/metrics"
)

// Config 执行引擎参数。
type Config struct {
	// PollInterval 行情与场所委托状态的轮询间隔
	PollInterval time.Duration
	// DefaultOrderTimeout 限价、止损、OCO 未指定 Timeout 时的存活时间
	DefaultOrderTimeout time.Duration
	// MaxLifetime 任何执行任务的最长存活时间，超过即到期
	MaxLifetime time.Duration
	// CancelWait 撤单时等待执行任务退出的上限
	CancelWait time.Duration
	// MaxSlippage 市价单允许的最大相对滑点
	MaxSlippage decimal.Decimal
	MaxRetries  int
	// RetryInitial、RetryMax 场所调用重试的退避区间
	RetryInitial    time.Duration
	RetryMax        time.Duration
	HealthInterval  time.Duration
	VWAPBuckets     int
	ArchiveTerminal bool
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DefaultOrderTimeout <= 0 {
		c.DefaultOrderTimeout = time.Hour
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 24 * time.Hour
	}
	if c.CancelWait <= 0 {
		c.CancelWait = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = c.RetryInitial
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.VWAPBuckets <= 0 {
		c.VWAPBuckets = 10
	}
}

// Dependencies 执行引擎的协作者，Risk、Portfolio、Profiles、Publisher 可为空。
type Dependencies struct {
	Repo       domain.OrderRepository
	Router     *domain.VenueRouter
	Validator  *domain.Validator
	Fragmenter *domain.Fragmenter
	Risk       domain.PreTradeRiskCheck
	Portfolio  domain.PortfolioProvider
	Profiles   domain.VolumeProfileProvider
	Publisher  domain.EventPublisher
	Analytics  *AnalyticsAggregator
	Clock      domain.Clock
	Metrics    *metrics.Metrics
}

// outcome 执行策略的结论，由 conclude 统一写入终态。
// status 为空时按累计成交量决定全部成交、部分成交或失败。
type outcome struct {
	status domain.Status
	reason string
}

func filled() outcome { return outcome{status: domain.StatusFilled} }

func failed(reason string) outcome { return outcome{status: domain.StatusFailed, reason: reason} }

func failedErr(err error) outcome { return failed(err.Error()) }

func expired(reason string) outcome { return outcome{status: domain.StatusExpired, reason: reason} }

func cancelled(reason string) outcome { return outcome{status: domain.StatusCancelled, reason: reason} }

func partiallyFilled(reason string) outcome {
	return outcome{status: domain.StatusPartiallyFilled, reason: reason}
}

func settled(reason string) outcome { return outcome{reason: reason} }

// ExecutionManager 订单执行引擎，负责提交、撤单与后台执行任务。
type ExecutionManager struct {
	cfg        Config
	repo       domain.OrderRepository
	router     *domain.VenueRouter
	validator  *domain.Validator
	fragmenter *domain.Fragmenter
	risk       domain.PreTradeRiskCheck
	portfolio  domain.PortfolioProvider
	profiles   domain.VolumeProfileProvider
	analytics  *AnalyticsAggregator
	clock      domain.Clock
	metrics    *metrics.Metrics
	monitor    *ExecutionMonitor

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewExecutionManager 构造函数。
func NewExecutionManager(cfg Config, deps Dependencies) *ExecutionManager {
	cfg.normalize()
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Analytics == nil {
		deps.Analytics = NewAnalyticsAggregator(0, deps.Metrics)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ExecutionManager{
		cfg:        cfg,
		repo:       deps.Repo,
		router:     deps.Router,
		validator:  deps.Validator,
		fragmenter: deps.Fragmenter,
		risk:       deps.Risk,
		portfolio:  deps.Portfolio,
		profiles:   deps.Profiles,
		analytics:  deps.Analytics,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		monitor:    NewExecutionMonitor(deps.Publisher, deps.Metrics),
		baseCtx:    ctx,
		stop:       cancel,
	}
}

// Submit 校验、风控、登记并启动后台执行，返回订单快照。
// 校验或风控失败的订单以 FAILED 状态登记，不产生任何场所调用。
func (m *ExecutionManager) Submit(ctx context.Context, req *domain.OrderRequest) (*domain.Order, error) {
	if m.stopped.Load() {
		return nil, domain.ErrEngineStopped
	}
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", domain.ErrValidation)
	}

	order, err := m.validator.Validate(req)
	if err != nil {
		logger.Warn(ctx, "order rejected by validation", "symbol", req.Symbol, "style", req.Style, "error", err)
		return m.reject(ctx, domain.NewOrder(req), err)
	}
	ctx = logger.ContextWithOrderID(ctx, order.ID)

	if m.risk != nil {
		var snapshot *domain.PortfolioSnapshot
		if m.portfolio != nil {
			if snapshot, err = m.portfolio.Snapshot(ctx); err != nil {
				logger.Warn(ctx, "portfolio snapshot unavailable", "error", err)
			}
		}
		decision, err := m.risk.Evaluate(ctx, order.Request(), snapshot)
		switch {
		case err != nil:
			return m.reject(ctx, order, fmt.Errorf("%w: %v", domain.ErrRiskRejected, err))
		case !decision.Allowed:
			return m.reject(ctx, order, fmt.Errorf("%w: %s", domain.ErrRiskRejected, decision.Reason))
		}
	}

	if err := m.repo.Create(ctx, order); err != nil {
		return nil, err
	}
	m.metrics.RecordSubmitted(string(order.Style))
	logger.Info(ctx, "order accepted",
		"symbol", order.Symbol,
		"side", order.Side,
		"style", order.Style,
		"quantity", order.Quantity.String(),
	)
	snap := order.Clone()
	m.monitor.Emit(ctx, domain.EventOrderPlaced, snap)
	m.launch(order.ID)
	return snap, nil
}

// reject 登记失败订单并返回分类后的错误。
func (m *ExecutionManager) reject(ctx context.Context, order *domain.Order, cause error) (*domain.Order, error) {
	if err := order.Fail(cause.Error()); err != nil {
		return nil, errors.Join(cause, err)
	}
	if err := m.repo.Create(ctx, order); err != nil {
		return nil, errors.Join(cause, err)
	}
	m.metrics.RecordSubmitted(string(order.Style))
	snap := order.Clone()
	m.closed(ctx, snap)
	return snap, cause
}

// launch 为根订单启动后台执行任务，任务不受调用方请求生命周期约束。
func (m *ExecutionManager) launch(orderID string) {
	ctx, cancel := context.WithCancelCause(m.baseCtx)
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, m.cfg.MaxLifetime, errLifetimeExceeded)
	ctx = logger.ContextWithOrderID(ctx, orderID)

	t := newOrderTask(orderID, cancel)
	m.monitor.track(t)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancelTimeout()
		defer cancel(nil)

		if o, err := m.repo.Get(ctx, orderID); err != nil {
			logger.Error(ctx, "order vanished before execution", "error", err)
		} else {
			m.run(ctx, o)
		}
		m.exitTask(ctx, t)
	}()
}

// exitTask 标记执行协程退出。撤单触发的退出由撤单流程写入终态后结算。
func (m *ExecutionManager) exitTask(ctx context.Context, t *orderTask) {
	close(t.done)
	if !errors.Is(context.Cause(ctx), errCancelRequested) {
		m.monitor.settle(t)
	}
}

// run 执行单个订单并写入终态，子订单也经由此处同步执行。
func (m *ExecutionManager) run(ctx context.Context, o *domain.Order) *domain.Order {
	defer logger.LogDuration(ctx, "order execution finished", "style", o.Style)()
	out := m.execute(ctx, o)
	return m.conclude(ctx, o.ID, out)
}

func (m *ExecutionManager) execute(ctx context.Context, o *domain.Order) outcome {
	switch o.Style {
	case domain.StyleMarket:
		return m.executeMarket(ctx, o)
	case domain.StyleLimit:
		return m.executeLimit(ctx, o)
	case domain.StyleStop:
		return m.executeStop(ctx, o)
	case domain.StyleStopLimit:
		return m.executeStopLimit(ctx, o)
	case domain.StyleOCO:
		return m.executeOCO(ctx, o)
	case domain.StyleIceberg:
		return m.executeIceberg(ctx, o)
	case domain.StyleTWAP, domain.StyleVWAP:
		return m.executeScheduled(ctx, o)
	case domain.StyleBracket:
		return m.executeBracket(ctx, o)
	}
	return failedErr(fmt.Errorf("%w: %s", domain.ErrUnsupportedStyle, o.Style))
}

// conclude 写入终态。撤单触发的退出由撤单流程收尾，超过最长存活时间的按到期处理。
func (m *ExecutionManager) conclude(ctx context.Context, orderID string, out outcome) *domain.Order {
	cause := context.Cause(ctx)
	if errors.Is(cause, errCancelRequested) {
		return nil
	}
	if errors.Is(cause, errLifetimeExceeded) {
		out = expired(errLifetimeExceeded.Error())
	} else if cause != nil && out.status == "" {
		out.reason = cause.Error()
	}
	detached := context.WithoutCancel(ctx)
	m.closeChildren(detached, orderID, out)
	m.cancelVenueOrders(detached, orderID)
	return m.finish(detached, orderID, func(o *domain.Order) error {
		switch out.status {
		case domain.StatusFilled:
			return o.Fill()
		case domain.StatusPartiallyFilled:
			if o.ExecutedQuantity().IsPositive() {
				return o.FinishPartial(out.reason)
			}
			return o.Fail(out.reason)
		case domain.StatusFailed:
			return o.Fail(out.reason)
		case domain.StatusExpired:
			return o.Expire(out.reason)
		case domain.StatusCancelled:
			return o.Cancel(out.reason)
		}
		return o.Settle(out.reason)
	})
}

// closeChildren 父订单收尾前关闭仍未终结的子订单，父订单到期时子订单同样到期。
func (m *ExecutionManager) closeChildren(ctx context.Context, orderID string, out outcome) {
	o, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return
	}
	for _, childID := range o.ChildIDs {
		child, err := m.repo.Get(ctx, childID)
		if err != nil || child.IsTerminal() {
			continue
		}
		m.closeChildren(ctx, childID, out)
		m.cancelVenueOrders(ctx, childID)
		m.finish(ctx, childID, func(c *domain.Order) error {
			if out.status == domain.StatusExpired {
				return c.Expire("parent expired")
			}
			return c.Cancel("parent closed")
		})
	}
}

// finish 在订单锁内写入终态并发布事件。订单已被其他流程关闭时返回当前快照。
func (m *ExecutionManager) finish(ctx context.Context, orderID string, fn func(*domain.Order) error) *domain.Order {
	snap, err := m.repo.Update(ctx, orderID, fn)
	if err != nil {
		if errors.Is(err, domain.ErrOrderTerminal) {
			current, _ := m.repo.Get(ctx, orderID)
			return current
		}
		logger.Error(ctx, "failed to close order", "order_id", orderID, "error", err)
		return nil
	}
	m.closed(ctx, snap)
	return snap
}

// closed 终态后处理：发布事件，根订单计入统计并按配置归档。
func (m *ExecutionManager) closed(ctx context.Context, snap *domain.Order) {
	if t, ok := domain.TerminalEventType(snap.Status); ok {
		m.monitor.Emit(ctx, t, snap)
	}
	logger.Info(ctx, "order closed",
		"order_id", snap.ID,
		"status", snap.Status,
		"executed", snap.ExecutedQuantity().String(),
		"error", snap.Error,
	)
	if snap.ParentID != "" {
		return
	}
	m.analytics.Record(snap)
	if m.cfg.ArchiveTerminal {
		m.archive(ctx, snap)
	}
}

func (m *ExecutionManager) archive(ctx context.Context, o *domain.Order) {
	for _, childID := range o.ChildIDs {
		child, err := m.repo.Get(ctx, childID)
		if err != nil {
			continue
		}
		if child.IsTerminal() {
			m.archive(ctx, child)
		}
	}
	if _, err := m.repo.Archive(ctx, o.ID); err != nil {
		logger.Warn(ctx, "failed to archive order", "order_id", o.ID, "error", err)
	}
}

// Wait 等待订单的执行任务写入终态并返回最终快照，撤单中的订单等撤单流程收尾后返回。
func (m *ExecutionManager) Wait(ctx context.Context, orderID string) (*domain.Order, error) {
	if t, ok := m.monitor.task(orderID); ok {
		select {
		case <-t.settled:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.repo.Get(ctx, orderID)
}

// Cancel 撤单，幂等：已终结的订单直接返回当前快照。
// 先停止执行任务，再撤销场所挂单和子订单，最后写入 CANCELLED，已有成交保留。
// 正在执行的子订单（OCO 腿、括号单的入场与离场）经由其任务停止，父订单继续处理其余子订单。
func (m *ExecutionManager) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.IsTerminal() {
		return o, nil
	}
	ctx = logger.ContextWithOrderID(ctx, orderID)

	t, running := m.monitor.task(orderID)
	if !running && o.ParentID != "" {
		// 未认领的子订单在临界区内撤销，避免与认领交错
		unlock := m.monitor.lockComposite(m.rootOf(ctx, o))
		if t, running = m.monitor.task(orderID); running {
			unlock()
		} else {
			defer unlock()
		}
	}
	if running {
		m.stopTask(ctx, t)
	}

	snap := m.cancelTree(ctx, orderID, "cancelled by request")
	if snap == nil {
		return m.repo.Get(ctx, orderID)
	}
	return snap, nil
}

// stopTask 通知执行任务停止并等待协程退出，最多等待 CancelWait。
func (m *ExecutionManager) stopTask(ctx context.Context, t *orderTask) {
	t.cancel(errCancelRequested)
	timer := time.NewTimer(m.cfg.CancelWait)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		logger.Warn(ctx, "execution task did not stop in time", "wait", m.cfg.CancelWait)
	}
}

func (m *ExecutionManager) rootOf(ctx context.Context, o *domain.Order) string {
	id := o.ID
	parentID := o.ParentID
	for parentID != "" {
		id = parentID
		p, err := m.repo.Get(ctx, parentID)
		if err != nil {
			break
		}
		parentID = p.ParentID
	}
	return id
}

// cancelTree 先撤子订单，再撤自身，完成后结算被撤订单的任务。
func (m *ExecutionManager) cancelTree(ctx context.Context, orderID, reason string) *domain.Order {
	defer func() {
		if t, ok := m.monitor.task(orderID); ok {
			m.monitor.settle(t)
		}
	}()
	o, err := m.repo.Get(ctx, orderID)
	if err != nil || o.IsTerminal() {
		return o
	}
	for _, childID := range o.ChildIDs {
		m.cancelTree(ctx, childID, "parent cancelled")
	}
	m.cancelVenueOrders(ctx, orderID)
	return m.finish(ctx, orderID, func(o *domain.Order) error {
		return o.Cancel(reason)
	})
}

// GetOrder 查询订单，登记表中不存在时回落到历史存储。
func (m *ExecutionManager) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return m.repo.Get(ctx, orderID)
}

// Children 查询子订单。
func (m *ExecutionManager) Children(ctx context.Context, orderID string) ([]*domain.Order, error) {
	return m.repo.Children(ctx, orderID)
}

// ActiveOrders 未终结的订单。
func (m *ExecutionManager) ActiveOrders(ctx context.Context) ([]*domain.Order, error) {
	return m.repo.ListActive(ctx)
}

// Analytics 聚合执行统计。
func (m *ExecutionManager) Analytics() *AnalyticsSnapshot {
	return m.analytics.Snapshot()
}

// VenueHealth 最近一次健康检查结果。
func (m *ExecutionManager) VenueHealth() []domain.VenueHealth {
	return m.router.Health()
}

// Start 启动场所健康检查循环，直到 ctx 结束或 Shutdown。
func (m *ExecutionManager) Start(ctx context.Context) {
	m.checkHealth(ctx)
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

func (m *ExecutionManager) checkHealth(ctx context.Context) {
	for _, h := range m.router.CheckHealth(ctx) {
		m.metrics.SetVenueHealthy(h.VenueID, h.Healthy)
		if !h.Healthy {
			logger.Warn(ctx, "venue unhealthy", "venue", h.VenueID, "error", h.Error)
		}
	}
}

// Shutdown 拒绝新订单，撤销全部进行中的订单并等待任务退出。
func (m *ExecutionManager) Shutdown(ctx context.Context) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	for _, id := range m.monitor.ActiveTasks() {
		if _, err := m.Cancel(ctx, id); err != nil {
			logger.Warn(ctx, "failed to cancel order on shutdown", "order_id", id, "error", err)
		}
	}
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deadline 订单从开始执行起的存活截止时刻。
func (m *ExecutionManager) deadline(o *domain.Order) time.Time {
	timeout := o.Params.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultOrderTimeout
	}
	return m.clock.Now().Add(timeout)
}

func (m *ExecutionManager) transition(ctx context.Context, orderID string, fn func(*domain.Order) error) (*domain.Order, error) {
	return m.repo.Update(context.WithoutCancel(ctx), orderID, fn)
}
