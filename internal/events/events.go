// Package events publishes workspace status changes to message brokers.
package events

import (
	"context"
	"errors"
	"time"
)

const EventWorkspaceStatusUpdated = "WORKSPACE_STATUS_UPDATED"

type StatusEvent struct {
	EventType string        `json:"event_type"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   StatusPayload `json:"payload"`
}

type StatusPayload struct {
	UserID  string `json:"user_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewStatusEvent(userID, status, message string) StatusEvent {
	return StatusEvent{
		EventType: EventWorkspaceStatusUpdated,
		Timestamp: time.Now().UTC(),
		Payload:   StatusPayload{UserID: userID, Status: status, Message: message},
	}
}

type Publisher interface {
	PublishStatus(ctx context.Context, ev StatusEvent) error
	Close() error
}

// Multi fans out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) PublishStatus(ctx context.Context, ev StatusEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishStatus(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Noop struct{}

func (Noop) PublishStatus(context.Context, StatusEvent) error { return nil }
func (Noop) Close() error                                     { return nil }
