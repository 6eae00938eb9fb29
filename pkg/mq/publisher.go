package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"milestonepay/pkg/otel"
	"milestonepay/pkg/trace"
)

// ErrNotConfirmed 表示 broker nack 了消息
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// Publisher 向 events exchange 发布消息；channel 处于 confirm 模式，
// 只有 broker ack 后才算发布成功。amqp channel 不支持并发发布，内部加锁
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	mu      sync.Mutex
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &Publisher{
		conn:    conn,
		channel: ch,
	}, nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// IsConnected checks if the publisher connection is still alive
func (p *Publisher) IsConnected() bool {
	if p.conn == nil || p.channel == nil {
		return false
	}
	return !p.conn.IsClosed() && !p.channel.IsClosed()
}

// PublishWithContext 发布事件，并把 trace_id 与 trace context 写入消息头
func (p *Publisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, span := otel.MQPublishSpan(ctx, routingKey, ExchangeName)
	err = p.publish(ctx, ExchangeName, routingKey, body, amqp091.Table{})
	otel.EndSpan(span, err)
	return err
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp091.Table) error {
	if traceID := trace.FromContext(ctx); traceID != "" {
		headers[HeaderTraceID] = traceID
	}
	otel.GetTextMapPropagator().Inject(ctx, otel.MQHeaderCarrier(headers))

	p.mu.Lock()
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		exchange,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
		},
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("%s: %w", routingKey, ErrNotConfirmed)
	}
	return nil
}
