package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/apranova/lms-workspace/internal/auth"
	"github.com/apranova/lms-workspace/internal/models"
	"github.com/apranova/lms-workspace/internal/progress"
	"github.com/apranova/lms-workspace/internal/repository"
	"github.com/apranova/lms-workspace/internal/workspace"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type WorkspaceManager interface {
	Provision(ctx context.Context, studentID string, sink progress.Sink) (*workspace.Record, error)
	Get(ctx context.Context, studentID string) (*workspace.Record, error)
	Start(ctx context.Context, studentID string) (*workspace.Record, error)
	Stop(ctx context.Context, studentID string) (*workspace.Record, error)
	Delete(ctx context.Context, studentID string) (*workspace.Record, error)
	Reset(ctx context.Context, studentID string, sink progress.Sink) (*workspace.Record, error)
	Heartbeat(ctx context.Context, studentID string)
}

var _ WorkspaceManager = (*workspace.Manager)(nil)

// StudentResolver maps an authenticated user to their student record.
type StudentResolver interface {
	GetByUserID(ctx context.Context, userID string) (*models.Student, error)
}

var errStudentIDRequired = errors.New("student ID required")

type Handler struct {
	workspaces WorkspaceManager
	students   StudentResolver
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func New(workspaces WorkspaceManager, students StudentResolver, logger *slog.Logger, allowOrigins []string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		workspaces: workspaces,
		students:   students,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowOrigins),
		},
	}
}

func (h *Handler) errorResponse(c *gin.Context, statusCode int, message string, err error) {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = c.GetString("requestID")
	}
	if requestID == "" {
		requestID = fmt.Sprintf("%.8s", uuid.New().String())
	}

	errorResponse := gin.H{
		"error":      message,
		"request_id": requestID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"endpoint":   c.Request.URL.Path,
	}

	if err != nil {
		errorResponse["details"] = err.Error()
	}

	c.JSON(statusCode, errorResponse)
}

// fail maps a lifecycle error onto a response.
func (h *Handler) fail(c *gin.Context, err error) {
	status, message := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("workspace request failed", "path", c.FullPath(), "error", err)
	}
	h.errorResponse(c, status, message, err)
}

func classify(err error) (int, string) {
	var execErr *workspace.ExecutionError
	switch {
	case errors.Is(err, errStudentIDRequired):
		return http.StatusBadRequest, "Student ID required"
	case errors.Is(err, workspace.ErrStudentNotFound):
		return http.StatusNotFound, "Student not found"
	case errors.Is(err, workspace.ErrAccessDenied):
		return http.StatusForbidden, "Access denied"
	case errors.Is(err, workspace.ErrProvisioningInProgress):
		return http.StatusConflict, "Workspace provisioning already in progress"
	case errors.Is(err, workspace.ErrNoWorkspace):
		return http.StatusConflict, "No workspace provisioned"
	case errors.Is(err, workspace.ErrProvisioningTimeout):
		return http.StatusGatewayTimeout, "Workspace did not become ready in time"
	case errors.As(err, &execErr):
		return http.StatusBadGateway, "Workspace backend error"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// ownOrRequested picks the student a body or query parameter targets. Students act on their
// own record and may omit the id; staff must name one.
func (h *Handler) ownOrRequested(c *gin.Context, requested string) (string, error) {
	p, _ := auth.PrincipalFrom(c)
	if p != nil && p.IsStaff() {
		if requested == "" {
			return "", errStudentIDRequired
		}
		return requested, nil
	}
	own, err := h.ownStudentID(c, p)
	if err != nil {
		return "", err
	}
	if requested != "" && requested != own {
		return "", workspace.ErrAccessDenied
	}
	return own, nil
}

// authorize checks that the caller may act on studentID: staff on anyone, students on
// themselves.
func (h *Handler) authorize(c *gin.Context, studentID string, staffOnly bool) error {
	p, _ := auth.PrincipalFrom(c)
	if p != nil && p.IsStaff() {
		return nil
	}
	if staffOnly {
		return workspace.ErrAccessDenied
	}
	own, err := h.ownStudentID(c, p)
	if err != nil {
		return err
	}
	if own != studentID {
		return workspace.ErrAccessDenied
	}
	return nil
}

func (h *Handler) ownStudentID(c *gin.Context, p *auth.Principal) (string, error) {
	if p == nil {
		return "", workspace.ErrAccessDenied
	}
	s, err := h.students.GetByUserID(c.Request.Context(), p.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", workspace.ErrStudentNotFound
	}
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
