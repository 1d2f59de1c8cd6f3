// Package history 已终结订单的历史存储
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
)

// MemoryHistory 进程内历史，超过容量时按写入顺序淘汰
type MemoryHistory struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	order    []string
	capacity int
}

// NewMemoryHistory capacity <= 0 表示不限容量
func NewMemoryHistory(capacity int) *MemoryHistory {
	return &MemoryHistory{orders: make(map[string]*domain.Order), capacity: capacity}
}

func (h *MemoryHistory) Put(_ context.Context, o *domain.Order) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.orders[o.ID]; !ok {
		h.order = append(h.order, o.ID)
	}
	h.orders[o.ID] = o.Clone()
	for h.capacity > 0 && len(h.order) > h.capacity {
		delete(h.orders, h.order[0])
		h.order = h.order[1:]
	}
	return nil
}

func (h *MemoryHistory) Get(_ context.Context, id string) (*domain.Order, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}
