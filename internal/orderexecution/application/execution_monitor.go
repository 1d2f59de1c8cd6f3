package application

import (
	"context"
	"errors"
	"sync"

	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/logger"
	"github.com/wyfcoding/orderexecution/pkg/metrics"
)

var (
	// errCancelRequested 任务因撤单请求结束，终态由撤单流程写入
	errCancelRequested = errors.New("cancel requested")
	// errLifetimeExceeded 任务超过最长存活时间
	errLifetimeExceeded = errors.New("order exceeded max lifetime")
)

// orderTask 根订单或已认领子订单的执行任务。
type orderTask struct {
	orderID string
	cancel  context.CancelCauseFunc
	// done 执行协程已退出
	done chan struct{}
	// settled 终态已写入。撤单触发的退出要等撤单流程收尾后才关闭
	settled chan struct{}
	once    sync.Once
}

func newOrderTask(orderID string, cancel context.CancelCauseFunc) *orderTask {
	return &orderTask{
		orderID: orderID,
		cancel:  cancel,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
}

// ExecutionMonitor 跟踪进行中的执行任务并发布生命周期事件。
type ExecutionMonitor struct {
	publisher domain.EventPublisher
	metrics   *metrics.Metrics

	mu        sync.Mutex
	tasks     map[string]*orderTask
	composite map[string]*sync.Mutex
}

// NewExecutionMonitor 构造函数。publisher 为空时只记录日志。
func NewExecutionMonitor(publisher domain.EventPublisher, m *metrics.Metrics) *ExecutionMonitor {
	return &ExecutionMonitor{
		publisher: publisher,
		metrics:   m,
		tasks:     make(map[string]*orderTask),
		composite: make(map[string]*sync.Mutex),
	}
}

func (m *ExecutionMonitor) track(t *orderTask) {
	m.mu.Lock()
	m.tasks[t.orderID] = t
	n := len(m.tasks)
	m.mu.Unlock()
	m.metrics.SetActiveOrders(n)
}

func (m *ExecutionMonitor) untrack(orderID string) {
	m.mu.Lock()
	delete(m.tasks, orderID)
	delete(m.composite, orderID)
	n := len(m.tasks)
	m.mu.Unlock()
	m.metrics.SetActiveOrders(n)
}

// settle 终态写入后移除任务并唤醒 Wait，可重复调用。
func (m *ExecutionMonitor) settle(t *orderTask) {
	t.once.Do(func() {
		m.untrack(t.orderID)
		close(t.settled)
	})
}

func (m *ExecutionMonitor) task(orderID string) (*orderTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[orderID]
	return t, ok
}

// ActiveTasks 进行中的任务所属订单。
func (m *ExecutionMonitor) ActiveTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

// lockComposite 组合订单（OCO、括号单）的临界区，子订单的认领、撤销另一腿与直接撤单在此互斥。
func (m *ExecutionMonitor) lockComposite(parentID string) func() {
	m.mu.Lock()
	mu, ok := m.composite[parentID]
	if !ok {
		mu = &sync.Mutex{}
		m.composite[parentID] = mu
	}
	m.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Emit 发布事件，发布失败只记录，不影响订单执行。
func (m *ExecutionMonitor) Emit(ctx context.Context, t domain.EventType, snapshot *domain.Order) {
	if snapshot == nil {
		return
	}
	if m.publisher == nil {
		logger.Debug(ctx, "lifecycle event", "type", t, "order_id", snapshot.ID, "status", snapshot.Status)
		return
	}
	event := domain.NewLifecycleEvent(t, snapshot)
	if err := m.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		logger.Warn(ctx, "failed to publish lifecycle event", "type", t, "order_id", snapshot.ID, "error", err)
		m.metrics.RecordEvent(string(t), "error")
		return
	}
	m.metrics.RecordEvent(string(t), "ok")
}
