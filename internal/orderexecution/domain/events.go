package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/pkg/idgen"
)

// EventType 订单生命周期事件类型
type EventType string

const (
	EventOrderPlaced          EventType = "orderPlaced"
	EventOrderExecuted        EventType = "orderExecuted"
	EventOrderPartiallyFilled EventType = "orderPartiallyFilled"
	EventOrderFailed          EventType = "orderFailed"
	EventOrderCancelled       EventType = "orderCancelled"
	EventOrderExpired         EventType = "orderExpired"
)

// LifecycleEvent 订单生命周期事件，携带发出时刻的完整订单快照
type LifecycleEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OrderID    string    `json:"order_id"`
	Order      *Order    `json:"order"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewLifecycleEvent 基于订单快照构造事件
func NewLifecycleEvent(t EventType, snapshot *Order) *LifecycleEvent {
	return &LifecycleEvent{
		ID:         fmt.Sprintf("EVT-%d", idgen.GenID()),
		Type:       t,
		OrderID:    snapshot.ID,
		Order:      snapshot,
		OccurredAt: time.Now(),
	}
}

// TerminalEventType 终态对应的事件类型
func TerminalEventType(s Status) (EventType, bool) {
	switch s {
	case StatusFilled:
		return EventOrderExecuted, true
	case StatusPartiallyFilled:
		return EventOrderPartiallyFilled, true
	case StatusFailed:
		return EventOrderFailed, true
	case StatusCancelled:
		return EventOrderCancelled, true
	case StatusExpired:
		return EventOrderExpired, true
	}
	return "", false
}

// EventPublisher 生命周期事件发布接口
type EventPublisher interface {
	Publish(ctx context.Context, event *LifecycleEvent) error
}
