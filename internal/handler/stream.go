package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/apranova/lms-workspace/internal/progress"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer      = 16
	keepAliveInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// startProvision runs provisioning for studentID in the background and returns its progress.
// The run outlives the request: a client that goes away only detaches from the stream.
func (h *Handler) startProvision(c *gin.Context, studentID string) *progress.Stream {
	stream := progress.NewStream(streamBuffer)
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if _, err := h.workspaces.Provision(ctx, studentID, stream); err != nil {
			h.logger.Warn("streamed provisioning failed", "student_id", studentID, "error", err)
		}
	}()
	return stream
}

// ProvisionStream provisions and reports progress as server-sent events.
func (h *Handler) ProvisionStream(c *gin.Context) {
	studentID, err := h.ownOrRequested(c, c.Query("studentId"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	stream := h.startProvision(c, studentID)
	defer stream.Detach()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			h.logger.Info("progress stream client disconnected", "student_id", studentID)
			return
		case <-keepAlive.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			if err := sse.Encode(c.Writer, sse.Event{Data: ev}); err != nil {
				h.logger.Warn("failed to write progress event", "student_id", studentID, "error", err)
				return
			}
			c.Writer.Flush()
		}
	}
}

// ProvisionSocket mirrors ProvisionStream over a WebSocket: one JSON message per event.
func (h *Handler) ProvisionSocket(c *gin.Context) {
	studentID, err := h.ownOrRequested(c, c.Query("studentId"))
	if err != nil {
		h.fail(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	stream := h.startProvision(c, studentID)
	defer stream.Detach()

	// The client never sends anything; reading only surfaces the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			h.logger.Info("progress socket client disconnected", "student_id", studentID)
			return
		case ev, ok := <-stream.Events():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Warn("failed to write progress event", "student_id", studentID, "error", err)
				return
			}
		}
	}
}
