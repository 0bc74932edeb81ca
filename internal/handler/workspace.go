package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/apranova/lms-workspace/internal/workspace"
	"github.com/gin-gonic/gin"
)

type targetBody struct {
	StudentID string `json:"studentId"`
}

// bindTarget reads the optional {studentId} body. An empty body is allowed.
func bindTarget(c *gin.Context) (targetBody, error) {
	var body targetBody
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return body, nil
	}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		return body, err
	}
	return body, nil
}

func (h *Handler) Provision(c *gin.Context) {
	body, err := bindTarget(c)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	studentID, err := h.ownOrRequested(c, body.StudentID)
	if err != nil {
		h.fail(c, err)
		return
	}

	// A client hanging up must not abort a provision halfway through.
	rec, err := h.workspaces.Provision(context.WithoutCancel(c.Request.Context()), studentID, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Get(c *gin.Context) {
	studentID := c.Param("studentId")
	if err := h.authorize(c, studentID, false); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.workspaces.Get(c.Request.Context(), studentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) Start(c *gin.Context) {
	studentID := c.Param("studentId")
	if err := h.authorize(c, studentID, false); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.workspaces.Start(c.Request.Context(), studentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) Stop(c *gin.Context) {
	studentID := c.Param("studentId")
	if err := h.authorize(c, studentID, false); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.workspaces.Stop(c.Request.Context(), studentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Delete removes the execution unit. Students keep their files; only staff may delete.
func (h *Handler) Delete(c *gin.Context) {
	studentID := c.Param("studentId")
	if err := h.authorize(c, studentID, true); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.workspaces.Delete(c.Request.Context(), studentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) Reset(c *gin.Context) {
	studentID := c.Param("studentId")
	if err := h.authorize(c, studentID, false); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.workspaces.Reset(context.WithoutCancel(c.Request.Context()), studentID, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) Heartbeat(c *gin.Context) {
	body, err := bindTarget(c)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	studentID, err := h.ownOrRequested(c, body.StudentID)
	switch {
	case errors.Is(err, errStudentIDRequired), errors.Is(err, workspace.ErrAccessDenied):
		h.fail(c, err)
		return
	case err != nil:
		// Heartbeats are best effort.
		h.logger.Warn("heartbeat dropped", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	h.workspaces.Heartbeat(c.Request.Context(), studentID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
