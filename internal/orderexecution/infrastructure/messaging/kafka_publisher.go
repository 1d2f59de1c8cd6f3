// Package messaging 生命周期事件发布：Kafka 与进程内总线
package messaging

import (
	"context"

	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/logger"
	"github.com/wyfcoding/orderexecution/pkg/mq"
)

// KafkaPublisher 以订单 ID 为 key 写入 Kafka，同一订单的事件保持分区内有序
type KafkaPublisher struct {
	producer *mq.KafkaProducer
	dlq      *mq.DeadLetterQueue
	topic    string
}

// NewKafkaPublisher dlq 可为 nil
func NewKafkaPublisher(producer *mq.KafkaProducer, topic string, dlq *mq.DeadLetterQueue) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, dlq: dlq, topic: topic}
}

// Publish 发送失败时转入死信主题，死信也失败才返回错误
func (p *KafkaPublisher) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	err := p.producer.SendMessage(ctx, p.topic, event.OrderID, event)
	if err == nil {
		return nil
	}
	if p.dlq == nil {
		return err
	}
	if dlqErr := p.dlq.Send(ctx, p.topic, event.OrderID, event, err); dlqErr != nil {
		logger.Error(ctx, "dead letter publish failed", "event", event.Type, "order_id", event.OrderID, "error", dlqErr)
		return err
	}
	logger.Warn(ctx, "lifecycle event moved to dead letter topic", "event", event.Type, "order_id", event.OrderID, "error", err)
	return nil
}
