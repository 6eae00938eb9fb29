package mq

import (
	"fmt"
	"os"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeName 是所有领域事件的 topic exchange
	ExchangeName = "events"

	// HeaderTraceID 消息头中携带的 trace_id
	HeaderTraceID = "x-trace-id"

	heartbeat = 10 * time.Second
)

// NewConnection dials RabbitMQ and tags the connection with the process
// name so it can be told apart in the management UI.
func NewConnection(url string) (*amqp091.Connection, error) {
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(connectionName())

	conn, err := amqp091.DialConfig(url, amqp091.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

func connectionName() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("milestonepay:%s:%d", host, os.Getpid())
}

// DeclareExchange declares the durable events exchange.
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(ExchangeName, amqp091.ExchangeTopic, true, false, false, false, nil)
}
