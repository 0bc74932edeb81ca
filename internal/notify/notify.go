// Package notify tells students about workspace status changes.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/apranova/lms-workspace/internal/events"
	"github.com/apranova/lms-workspace/internal/models"
)

const (
	notificationTitle = "Workspace Status Update"
	workspaceLink     = "/student/workspace"
	deliveryTimeout   = 5 * time.Second
)

var statusMessages = map[string]string{
	models.WorkspaceStatusRunning:      "Your workspace is now running and ready to use.",
	models.WorkspaceStatusStopped:      "Your workspace has been stopped.",
	models.WorkspaceStatusError:        "There was an error with your workspace. Please contact support.",
	models.WorkspaceStatusProvisioning: "Your workspace is being provisioned. This may take a few minutes.",
}

func Message(status string) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return "Your workspace status has changed."
}

type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
}

// Notifier stores an in-app notification and publishes a status event. Delivery failures are
// logged and dropped.
type Notifier struct {
	store     NotificationStore
	publisher events.Publisher
	logger    *slog.Logger
}

func New(store NotificationStore, publisher events.Publisher, logger *slog.Logger) *Notifier {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Notifier{store: store, publisher: publisher, logger: logger}
}

func (n *Notifier) WorkspaceStatusChanged(ctx context.Context, userID, status string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	msg := Message(status)
	kind := models.NotificationInfo
	switch status {
	case models.WorkspaceStatusError:
		kind = models.NotificationError
	case models.WorkspaceStatusRunning:
		kind = models.NotificationSuccess
	}

	if n.store != nil {
		err := n.store.Create(ctx, &models.Notification{
			UserID:    userID,
			Type:      kind,
			Title:     notificationTitle,
			Message:   msg,
			ActionURL: workspaceLink,
		})
		if err != nil {
			n.logger.Warn("failed to store workspace notification", "user_id", userID, "status", status, "error", err)
		}
	}

	if err := n.publisher.PublishStatus(ctx, events.NewStatusEvent(userID, status, msg)); err != nil {
		n.logger.Warn("failed to publish workspace status", "user_id", userID, "status", status, "error", err)
	}
}
