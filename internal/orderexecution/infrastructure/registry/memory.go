// Package registry 订单登记表的内存实现
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
)

// record 单个订单记录，锁粒度为订单
type record struct {
	mu    sync.Mutex
	order *domain.Order
}

// MemoryRegistry 内存登记表，map 锁只保护增删，订单修改走记录锁
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*record
	history domain.OrderHistory
}

// NewMemoryRegistry 创建登记表，已归档订单从 history 读取
func NewMemoryRegistry(history domain.OrderHistory) *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]*record),
		history: history,
	}
}

func (r *MemoryRegistry) Create(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[order.ID]; ok {
		return fmt.Errorf("order %s already registered", order.ID)
	}
	o := order.Clone()
	o.InitFSM()
	r.records[order.ID] = &record{order: o}
	return nil
}

func (r *MemoryRegistry) lookup(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*domain.Order, error) {
	if rec, ok := r.lookup(id); ok {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.order.Clone(), nil
	}
	if r.history != nil {
		return r.history.Get(ctx, id)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
}

func (r *MemoryRegistry) Update(_ context.Context, id string, fn func(*domain.Order) error) (*domain.Order, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := fn(rec.order); err != nil {
		return rec.order.Clone(), err
	}
	return rec.order.Clone(), nil
}

func (r *MemoryRegistry) Children(ctx context.Context, parentID string) ([]*domain.Order, error) {
	parent, err := r.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	children := make([]*domain.Order, 0, len(parent.ChildIDs))
	for _, id := range parent.ChildIDs {
		child, err := r.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("child %s of %s: %w", id, parentID, err)
		}
		children = append(children, child)
	}
	return children, nil
}

func (r *MemoryRegistry) ListActive(_ context.Context) ([]*domain.Order, error) {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]*domain.Order, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.order.IsTerminal() {
			out = append(out, rec.order.Clone())
		}
		rec.mu.Unlock()
	}
	return out, nil
}

// Archive 将已终结订单写入历史并移出登记表，未配置历史存储时保留在登记表
func (r *MemoryRegistry) Archive(ctx context.Context, id string) (*domain.Order, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	rec.mu.Lock()
	snapshot := rec.order.Clone()
	rec.mu.Unlock()
	if !snapshot.IsTerminal() {
		return nil, fmt.Errorf("order %s is %s, only closed orders can be archived", id, snapshot.Status)
	}
	if r.history == nil {
		return snapshot, nil
	}
	if err := r.history.Put(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("archive order %s: %w", id, err)
	}
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
	return snapshot, nil
}
