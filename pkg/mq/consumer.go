package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"milestonepay/pkg/metrics"
	"milestonepay/pkg/otel"
	"milestonepay/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger
}

// NewConsumer creates a consumer for a specific routing key.
// prefetch 限制未 ack 的消息数。
func NewConsumer(url, queueName, routingKey string, prefetch int, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	closeAll := func() {
		ch.Close()
		conn.Close()
	}

	if err := DeclareExchange(ch); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, routingKey); err != nil {
		closeAll()
		return nil, err
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// IsConnected 供 readiness 检查
func (c *Consumer) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming 阻塞消费，直到 ctx 取消或 channel 关闭。应在 goroutine 中调用。
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopped", zap.String("queue", c.queue.Name))
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for queue %s", c.queue.Name)
			}
			c.handle(ctx, msg)
		}
	}
}

// handle 保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()
	ctx := messageContext(parent, msg.Headers)
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name)

	var handlerErr error
	defer func() {
		metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
		otel.EndSpan(span, handlerErr)
	}()

	log := c.logger.With(
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
		zap.String("trace_id", trace.FromContext(ctx)),
	)
	log.Debug("Received message", zap.Int("message_size", len(msg.Body)))

	defer func() {
		if r := recover(); r != nil {
			handlerErr = fmt.Errorf("handler panic: %v", r)
			log.Error("Handler panic recovered", zap.Any("panic", r))
			if err := msg.Nack(false, true); err != nil {
				log.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	if handlerErr = c.handler(ctx, msg.Body); handlerErr != nil {
		log.Error("Handler error", zap.Error(handlerErr))
		// 业务失败 → 重新入队，由 handler 自己的重试计数决定何时进 DLQ
		if err := msg.Nack(false, true); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		log.Error("Failed to ack message", zap.Error(err))
		return
	}
	log.Debug("Message processed successfully")
}

// messageContext 从消息头恢复 trace_id 和 otel trace context
func messageContext(parent context.Context, headers amqp091.Table) context.Context {
	if headers == nil {
		headers = amqp091.Table{}
	}
	ctx := otel.GetTextMapPropagator().Extract(parent, otel.MQHeaderCarrier(headers))
	if id, ok := headers[HeaderTraceID].(string); ok && id != "" {
		return trace.WithContext(ctx, id)
	}
	ctx, _ = trace.Ensure(ctx)
	return ctx
}
