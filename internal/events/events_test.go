package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type mockChannel struct {
	published []publishedMessage
	err       error
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

type mockWriter struct {
	messages []kafka.Message
	closed   bool
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *mockWriter) Close() error {
	m.closed = true
	return nil
}

func TestRabbitMQPublishStatus(t *testing.T) {
	ch := &mockChannel{}
	r := &RabbitMQ{channel: ch}

	ev := NewStatusEvent("user-1", "running", "Your workspace is now running and ready to use.")
	require.NoError(t, r.PublishStatus(context.Background(), ev))

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "workspace", got.exchange)
	assert.Equal(t, "status.updated", got.key)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "application/json", got.msg.ContentType)

	var decoded StatusEvent
	require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	assert.Equal(t, EventWorkspaceStatusUpdated, decoded.EventType)
	assert.Equal(t, "user-1", decoded.Payload.UserID)
	assert.Equal(t, "running", decoded.Payload.Status)
}

func TestRabbitMQPublishError(t *testing.T) {
	r := &RabbitMQ{channel: &mockChannel{err: errors.New("channel closed")}}
	err := r.PublishStatus(context.Background(), NewStatusEvent("user-1", "stopped", ""))
	assert.ErrorContains(t, err, "channel closed")
}

func TestKafkaPublishStatus(t *testing.T) {
	w := &mockWriter{}
	k := &Kafka{writer: w}

	require.NoError(t, k.PublishStatus(context.Background(), NewStatusEvent("user-1", "stopped", "Your workspace has been stopped.")))
	require.Len(t, w.messages, 1)
	assert.Equal(t, "user-1", string(w.messages[0].Key))
	assert.Equal(t, "event_type", w.messages[0].Headers[0].Key)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

type failingPublisher struct{ err error }

func (f failingPublisher) PublishStatus(context.Context, StatusEvent) error { return f.err }
func (f failingPublisher) Close() error                                     { return nil }

func TestMultiPublishesToAll(t *testing.T) {
	w := &mockWriter{}
	m := Multi{failingPublisher{err: errors.New("broker down")}, &Kafka{writer: w}, Noop{}}

	err := m.PublishStatus(context.Background(), NewStatusEvent("user-1", "error", ""))
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, w.messages, 1, "a failing publisher does not block the others")
	assert.NoError(t, m.Close())
}
