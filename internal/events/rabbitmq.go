package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName     = "workspace"
	ExchangeType     = "topic"
	QueueStatus      = "workspace.status"
	RoutingKeyStatus = "status.updated"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type RabbitMQ struct {
	channel amqpPublisher
	closer  func() error
}

// NewRabbitMQ connects to the broker and declares the workspace exchange and status queue.
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(what string, err error) (*RabbitMQ, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare %s: %w", what, err)
	}
	if err := ch.ExchangeDeclare(ExchangeName, ExchangeType, true, false, false, false, nil); err != nil {
		return fail("exchange", err)
	}
	if _, err := ch.QueueDeclare(QueueStatus, true, false, false, false, nil); err != nil {
		return fail("status queue", err)
	}
	if err := ch.QueueBind(QueueStatus, "status.*", ExchangeName, false, nil); err != nil {
		return fail("status binding", err)
	}

	return &RabbitMQ{
		channel: ch,
		closer: func() error {
			ch.Close()
			return conn.Close()
		},
	}, nil
}

func (r *RabbitMQ) PublishStatus(ctx context.Context, ev StatusEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	err = r.channel.PublishWithContext(ctx, ExchangeName, RoutingKeyStatus, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Timestamp,
		Type:         ev.EventType,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
