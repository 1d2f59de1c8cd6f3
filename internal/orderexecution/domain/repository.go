package domain

import "context"

// OrderRepository 订单登记表，是唯一被多个执行任务并发修改的结构。
// 实现必须按订单加锁，Update 的回调在该订单的锁内执行。
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	// Get 返回快照，调用方修改快照不影响登记表
	Get(ctx context.Context, id string) (*Order, error)
	// Update 在订单锁内执行 fn 并返回更新后的快照
	Update(ctx context.Context, id string, fn func(*Order) error) (*Order, error)
	Children(ctx context.Context, parentID string) ([]*Order, error)
	ListActive(ctx context.Context) ([]*Order, error)
	// Archive 将已终结订单移出登记表
	Archive(ctx context.Context, id string) (*Order, error)
}

// OrderHistory 已终结订单的历史存储
type OrderHistory interface {
	Put(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
}
