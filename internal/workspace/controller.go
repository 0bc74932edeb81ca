package workspace

import (
	"context"
	"errors"

	"github.com/apranova/lms-workspace/internal/backend"
	"github.com/apranova/lms-workspace/internal/progress"
	"github.com/apranova/lms-workspace/internal/repository"
)

func (m *Manager) Get(ctx context.Context, studentID string) (*Record, error) {
	student, err := m.lookup(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return recordFrom(student), nil
}

// Start resumes a stopped workspace. A running workspace only has its activity refreshed.
func (m *Manager) Start(ctx context.Context, studentID string) (rec *Record, err error) {
	defer func() { m.metrics.Operation("start", err) }()

	student, err := m.lookup(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if student.WorkspaceURL == nil {
		return nil, ErrNoWorkspace
	}

	now := m.now()
	switch statusOf(student) {
	case StatusNone:
		return nil, ErrNoWorkspace
	case StatusProvisioning:
		return nil, ErrProvisioningInProgress
	case StatusRunning:
		if err := m.registry.TouchActivity(ctx, studentID, now); err != nil {
			return nil, err
		}
		student.WorkspaceLastActivity = &now
		return recordFrom(student), nil
	}

	handle := Handle(studentID)
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	if err := m.backend.Start(callCtx, handle); err != nil {
		m.logger.Error("failed to start workspace", "student_id", studentID, "handle", handle, "error", err)
		if uerr := m.setStatus(ctx, studentID, repository.WorkspaceUpdate{
			Status:   statusPtr(StatusError),
			ClearURL: true,
		}); uerr != nil {
			m.logger.Error("failed to record start failure", "student_id", studentID, "error", uerr)
		}
		m.notify(ctx, student, StatusError)
		return nil, &ExecutionError{Op: "start", Handle: handle, Err: err}
	}

	if err := m.setStatus(ctx, studentID, repository.WorkspaceUpdate{
		Status:       statusPtr(StatusRunning),
		LastActivity: &now,
	}); err != nil {
		return nil, err
	}
	student.WorkspaceStatus = statusPtr(StatusRunning)
	student.WorkspaceLastActivity = &now
	m.notify(ctx, student, StatusRunning)

	m.logger.Info("workspace started", "student_id", studentID, "handle", handle)
	return recordFrom(student), nil
}

// Stop halts the workspace unit and keeps it for a later Start. On backend failure the
// registry is left untouched.
func (m *Manager) Stop(ctx context.Context, studentID string) (rec *Record, err error) {
	defer func() { m.metrics.Operation("stop", err) }()

	student, err := m.lookup(ctx, studentID)
	if err != nil {
		return nil, err
	}

	switch statusOf(student) {
	case StatusNone:
		return nil, ErrNoWorkspace
	case StatusProvisioning:
		return nil, ErrProvisioningInProgress
	case StatusStopped, StatusError:
		return recordFrom(student), nil
	}

	handle := Handle(studentID)
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	if err := m.backend.Stop(callCtx, handle); err != nil {
		m.logger.Error("failed to stop workspace", "student_id", studentID, "handle", handle, "error", err)
		return nil, &ExecutionError{Op: "stop", Handle: handle, Err: err}
	}

	if err := m.setStatus(ctx, studentID, repository.WorkspaceUpdate{Status: statusPtr(StatusStopped)}); err != nil {
		return nil, err
	}
	student.WorkspaceStatus = statusPtr(StatusStopped)
	m.notify(ctx, student, StatusStopped)

	m.logger.Info("workspace stopped", "student_id", studentID, "handle", handle)
	return recordFrom(student), nil
}

// Delete removes the workspace unit and clears the registry. Student files are kept.
func (m *Manager) Delete(ctx context.Context, studentID string) (rec *Record, err error) {
	defer func() { m.metrics.Operation("delete", err) }()

	student, err := m.lookup(ctx, studentID)
	if err != nil {
		return nil, err
	}

	unlock, ok, err := m.locker.TryLock(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProvisioningInProgress
	}
	defer unlock()

	handle := Handle(studentID)
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	if err := m.backend.Destroy(callCtx, handle); err != nil && !errors.Is(err, backend.ErrUnitNotFound) {
		m.logger.Error("failed to delete workspace", "student_id", studentID, "handle", handle, "error", err)
		return nil, &ExecutionError{Op: "delete", Handle: handle, Err: err}
	}

	if err := m.setStatus(ctx, studentID, repository.WorkspaceUpdate{ClearStatus: true, ClearURL: true}); err != nil {
		return nil, err
	}
	student.WorkspaceStatus = nil
	student.WorkspaceURL = nil

	m.logger.Info("workspace deleted", "student_id", studentID, "handle", handle)
	return recordFrom(student), nil
}

// Reset deletes the workspace and provisions a fresh one over the same storage.
func (m *Manager) Reset(ctx context.Context, studentID string, sink progress.Sink) (*Record, error) {
	if _, err := m.Delete(ctx, studentID); err != nil {
		if sink != nil {
			sink.Fail(err)
		}
		return nil, err
	}
	return m.Provision(ctx, studentID, sink)
}

// Heartbeat records activity. Failures are logged and never reach the caller.
func (m *Manager) Heartbeat(ctx context.Context, studentID string) {
	if err := m.registry.TouchActivity(ctx, studentID, m.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			m.logger.Debug("heartbeat for unknown student", "student_id", studentID)
			return
		}
		m.logger.Warn("failed to record heartbeat", "student_id", studentID, "error", err)
	}
}
