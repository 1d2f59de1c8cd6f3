package messaging

import (
	"context"
	"errors"
	"sync"

	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
)

// Handler 事件处理函数
type Handler func(ctx context.Context, event *domain.LifecycleEvent)

// Bus 进程内同步分发的事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe 注册处理函数
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, event)
	}
	return nil
}

// Recorder 记录收到的全部事件，测试与运维接口使用
type Recorder struct {
	mu     sync.Mutex
	events []*domain.LifecycleEvent
}

func (r *Recorder) Publish(_ context.Context, event *domain.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events 已收到事件的副本
func (r *Recorder) Events() []*domain.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.LifecycleEvent, len(r.events))
	copy(out, r.events)
	return out
}

// ForOrder 某订单的事件类型序列
func (r *Recorder) ForOrder(orderID string) []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventType
	for _, e := range r.events {
		if e.OrderID == orderID {
			out = append(out, e.Type)
		}
	}
	return out
}

// MultiPublisher 依次发布到多个目标，汇总错误
type MultiPublisher []domain.EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
