package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultStatusTopic = "workspace.status"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Kafka struct {
	writer messageWriter
}

func NewKafka(brokerURL, topic string) *Kafka {
	if topic == "" {
		topic = DefaultStatusTopic
	}
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokerURL),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}}
}

// PublishStatus writes ev keyed by user so one user's updates stay ordered.
func (k *Kafka) PublishStatus(ctx context.Context, ev StatusEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Payload.UserID),
		Value: body,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write status event: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
