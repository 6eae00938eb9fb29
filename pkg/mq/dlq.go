package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	DLQExchangeName = ExchangeName + ".dlq"

	headerOriginalError = "x-original-error"
	headerFailedAt      = "x-failed-at"
	headerDeadAt        = "x-dead-at"
)

// DLQName 返回 routing key 对应的死信队列名，例如 milestone.approved.dlq
func DLQName(routingKey string) string {
	return routingKey + ".dlq"
}

func DeclareDLQExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(DLQExchangeName, amqp091.ExchangeTopic, true, false, false, false, nil)
}

// DeclareDLQQueue declares and binds the dead letter queue for routingKey.
// Dead-lettered releases sit here until an operator replays them or the
// release sweeper picks the milestone up again.
func DeclareDLQQueue(ch *amqp091.Channel, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(DLQName(routingKey), true, false, false, false, nil)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}
	return q, nil
}

// PublishToDLQ dead-letters payload with the failure recorded in headers.
func (p *Publisher) PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string, failedAt string) error {
	headers := amqp091.Table{
		headerOriginalError: originalError,
		headerFailedAt:      failedAt,
		headerDeadAt:        time.Now().UTC().Format(time.RFC3339),
	}
	return p.publish(ctx, DLQExchangeName, routingKey, payload, headers)
}
