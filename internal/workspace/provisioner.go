package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apranova/lms-workspace/internal/backend"
	"github.com/apranova/lms-workspace/internal/models"
	"github.com/apranova/lms-workspace/internal/progress"
	"github.com/apranova/lms-workspace/internal/repository"
	"github.com/apranova/lms-workspace/internal/storage"
)

const cleanupTimeout = 30 * time.Second

// Provision brings the student's workspace to running and reports each step to sink.
// A running workspace is returned as is. Only one provisioning attempt per student runs at a
// time; a concurrent call fails with ErrProvisioningInProgress.
func (m *Manager) Provision(ctx context.Context, studentID string, sink progress.Sink) (*Record, error) {
	if sink == nil {
		sink = progress.Discard
	}
	started := time.Now()
	log := m.logger.With("student_id", studentID, "handle", Handle(studentID))

	rec, outcome, err := m.provision(ctx, studentID, sink, log)
	m.metrics.ProvisionFinished(outcome, time.Since(started))
	if err != nil {
		sink.Fail(err)
		return nil, err
	}
	return rec, nil
}

func (m *Manager) provision(ctx context.Context, studentID string, sink progress.Sink, log *slog.Logger) (*Record, string, error) {
	sink.Report("Checking existing workspace...", 5)

	unlock, ok, err := m.locker.TryLock(ctx, studentID)
	if err != nil {
		return nil, "failed", err
	}
	if !ok {
		return nil, "busy", ErrProvisioningInProgress
	}
	defer unlock()

	student, err := m.lookup(ctx, studentID)
	if err != nil {
		return nil, "failed", err
	}
	if statusOf(student) == StatusRunning && student.WorkspaceURL != nil {
		rec := recordFrom(student)
		sink.Done("Workspace already running", rec)
		return rec, "reused", nil
	}

	rec, err := m.create(ctx, student, sink, log)
	if err != nil {
		return nil, "failed", err
	}
	return rec, "created", nil
}

// create runs the provisioning steps for a student that holds the provisioning lock. Any
// provisioning or error state found here was left behind by an earlier attempt.
func (m *Manager) create(ctx context.Context, student *models.Student, sink progress.Sink, log *slog.Logger) (_ *Record, err error) {
	handle := Handle(student.ID)
	launched := false
	defer func() {
		if err != nil {
			m.abortProvision(ctx, student, handle, launched, err, log)
		}
	}()

	sink.Report("Fetching student details...", 10)
	switch prev := statusOf(student); prev {
	case StatusNone:
	case StatusProvisioning, StatusError:
		log.Info("resetting stale workspace state", "status", prev)
		if err := m.setStatus(ctx, student.ID, repository.WorkspaceUpdate{ClearStatus: true, ClearURL: true}); err != nil {
			return nil, err
		}
		m.destroyLeftover(ctx, handle, log)
	default:
		m.destroyLeftover(ctx, handle, log)
	}

	sink.Report("Allocating workspace endpoint...", 20)
	unit := backend.Unit{
		Handle:    handle,
		StudentID: student.ID,
		Image:     m.cfg.Image,
		Env:       map[string]string{},
	}
	if m.cfg.Password != "" {
		unit.Env["PASSWORD"] = m.cfg.Password
	}
	if binder, ok := m.backend.(backend.HostPortBinder); ok && binder.BindsHostPorts() {
		port, err := m.ports.Allocate(ctx, student.ID)
		if err != nil {
			return nil, err
		}
		defer m.ports.Release(port)
		unit.HostPort = port
	}
	url := m.backend.Endpoint(unit)

	sink.Report("Initializing workspace...", 25)
	if err := m.setStatus(ctx, student.ID, repository.WorkspaceUpdate{
		Status: statusPtr(StatusProvisioning),
		URL:    &url,
	}); err != nil {
		return nil, err
	}
	m.notify(ctx, student, StatusProvisioning)

	if err := m.prepareStorage(ctx, &unit, sink); err != nil {
		return nil, err
	}

	sink.Report("Checking workspace image...", 55)
	if err := m.ensureImage(ctx, handle, log); err != nil {
		return nil, err
	}

	sink.Report("Launching workspace container...", 65)
	launched = true
	if err := m.launch(ctx, unit); err != nil {
		return nil, err
	}
	log.Info("workspace launched", "url", url, "port", unit.HostPort)

	sink.Report("Waiting for workspace to be ready...", 75)
	if err := m.waitReady(ctx, handle, log); err != nil {
		return nil, err
	}

	sink.Report("Installing development tools...", 85)
	m.installTools(ctx, handle, log)

	sink.Report("Finalizing workspace...", 95)
	now := m.now()
	if err := m.setStatus(ctx, student.ID, repository.WorkspaceUpdate{
		Status:       statusPtr(StatusRunning),
		URL:          &url,
		LastActivity: &now,
	}); err != nil {
		return nil, err
	}
	student.WorkspaceStatus = statusPtr(StatusRunning)
	student.WorkspaceURL = &url
	student.WorkspaceLastActivity = &now
	m.notify(ctx, student, StatusRunning)

	rec := recordFrom(student)
	sink.Done("Workspace ready!", rec)
	log.Info("workspace provisioned", "url", url)
	return rec, nil
}

// prepareStorage readies the student's files. Backends that manage their own volumes get
// the editor config on the unit instead of on the service's disk.
func (m *Manager) prepareStorage(ctx context.Context, unit *backend.Unit, sink progress.Sink) error {
	if managed, ok := m.backend.(backend.ManagedStorage); ok && managed.ManagesStorage() {
		sink.Report("Preparing persistent storage...", 35)
		sink.Report("Writing editor configuration...", 45)
		body, err := m.storage.EditorConfig()
		if err != nil {
			return err
		}
		unit.Files = map[string][]byte{storage.EditorConfigFile: body}
		return nil
	}

	sink.Report("Preparing persistent storage...", 35)
	path, err := m.storage.Ensure(ctx, unit.StudentID)
	if err != nil {
		return err
	}
	unit.StoragePath = path

	sink.Report("Writing editor configuration...", 45)
	return m.storage.WriteEditorConfig(ctx, unit.StudentID)
}

func (m *Manager) ensureImage(ctx context.Context, handle string, log *slog.Logger) error {
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	pulled, err := m.backend.EnsureImage(callCtx, m.cfg.Image)
	if err != nil {
		return &ExecutionError{Op: "ensure image", Handle: handle, Err: err}
	}
	if pulled {
		log.Info("workspace image pulled", "image", m.cfg.Image)
	}
	return nil
}

func (m *Manager) launch(ctx context.Context, unit backend.Unit) error {
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	if err := m.backend.Create(callCtx, unit); err != nil {
		return &ExecutionError{Op: "create", Handle: unit.Handle, Err: err}
	}
	return nil
}

// waitReady polls the backend until the unit is ready or ReadyTimeout elapses.
func (m *Manager) waitReady(ctx context.Context, handle string, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.ReadyInterval)
	defer ticker.Stop()

	for {
		ready, err := m.backend.IsReady(ctx, handle)
		if err != nil {
			log.Debug("readiness check failed", "error", err)
		} else if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s not ready after %s", ErrProvisioningTimeout, handle, m.cfg.ReadyTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) installTools(ctx context.Context, handle string, log *slog.Logger) {
	if len(m.cfg.ToolInstallCommand) == 0 {
		return
	}
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	if err := m.backend.InstallTools(callCtx, handle, m.cfg.ToolInstallCommand); err != nil {
		log.Warn("continuing without development tools", "error", &ToolInstallWarning{Handle: handle, Err: err})
		return
	}
	log.Info("development tools installed")
}

func (m *Manager) destroyLeftover(ctx context.Context, handle string, log *slog.Logger) {
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	if err := m.backend.Destroy(callCtx, handle); err != nil {
		log.Warn("failed to remove leftover workspace unit", "error", err)
	}
}

// abortProvision records a failed attempt: status error with no url, an error notification and
// teardown of anything launched. It runs even when ctx is already cancelled.
func (m *Manager) abortProvision(ctx context.Context, student *models.Student, handle string, launched bool, cause error, log *slog.Logger) {
	log.Error("provisioning failed", "error", cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := m.setStatus(ctx, student.ID, repository.WorkspaceUpdate{
		Status:   statusPtr(StatusError),
		ClearURL: true,
	}); err != nil {
		log.Error("failed to record provisioning failure", "error", err)
	}
	m.notify(ctx, student, StatusError)

	if launched {
		m.destroyLeftover(ctx, handle, log)
	}
}
