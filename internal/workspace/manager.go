// Package workspace owns the lifecycle of student workspaces: provisioning, start, stop,
// delete, heartbeats and idle reclamation.
package workspace

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/apranova/lms-workspace/internal/backend"
	"github.com/apranova/lms-workspace/internal/lock"
	"github.com/apranova/lms-workspace/internal/metrics"
	"github.com/apranova/lms-workspace/internal/models"
	"github.com/apranova/lms-workspace/internal/repository"
)

// Registry is the persisted workspace state on student records.
type Registry interface {
	GetByID(ctx context.Context, id string) (*models.Student, error)
	UpdateWorkspace(ctx context.Context, id string, u repository.WorkspaceUpdate) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	ListIdle(ctx context.Context, before time.Time) ([]models.Student, error)
	ListClaimedURLs(ctx context.Context, excludeID string) ([]string, error)
}

// Storage prepares the persistent directory mounted into a workspace.
type Storage interface {
	Ensure(ctx context.Context, studentID string) (string, error)
	WriteEditorConfig(ctx context.Context, studentID string) error
	// EditorConfig renders the settings handed to backends that manage their own storage.
	EditorConfig() ([]byte, error)
}

// Notifier receives workspace status changes. Implementations must not block for long and
// never fail the caller.
type Notifier interface {
	WorkspaceStatusChanged(ctx context.Context, userID, status string)
}

type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

type Config struct {
	Image              string
	Password           string
	ReadyTimeout       time.Duration
	ReadyInterval      time.Duration
	IdleTimeout        time.Duration
	CallTimeout        time.Duration
	ToolInstallCommand []string
	SweepConcurrency   int
}

func (c *Config) applyDefaults() {
	if c.Image == "" {
		c.Image = "codercom/code-server:latest"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 60 * time.Second
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Minute
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 4
	}
}

type Deps struct {
	Registry Registry
	Backend  backend.Backend
	Storage  Storage
	Ports    *PortAllocator
	Notifier Notifier
	Locker   Locker
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Manager implements the provisioner, lifecycle controller and reaper over one backend.
type Manager struct {
	registry Registry
	backend  backend.Backend
	storage  Storage
	ports    *PortAllocator
	notifier Notifier
	locker   Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

func NewManager(d Deps, cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		registry: d.Registry,
		backend:  d.Backend,
		storage:  d.Storage,
		ports:    d.Ports,
		notifier: d.Notifier,
		locker:   d.Locker,
		metrics:  d.Metrics,
		logger:   d.Logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if m.notifier == nil {
		m.notifier = noopNotifier{}
	}
	if m.locker == nil {
		m.locker = lock.NewMemory()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.ports == nil {
		m.ports = NewPortAllocator(DefaultPortMin, DefaultPortMax, d.Registry)
	}
	return m
}

// IdleTimeout is the inactivity window after which running workspaces are stopped.
func (m *Manager) IdleTimeout() time.Duration {
	return m.cfg.IdleTimeout
}

func (m *Manager) lookup(ctx context.Context, studentID string) (*models.Student, error) {
	student, err := m.registry.GetByID(ctx, studentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrStudentNotFound
	}
	return student, err
}

// callCtx bounds a single backend call.
func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.CallTimeout)
}

func (m *Manager) setStatus(ctx context.Context, studentID string, u repository.WorkspaceUpdate) error {
	if err := m.registry.UpdateWorkspace(ctx, studentID, u); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrStudentNotFound
		}
		return err
	}
	return nil
}

func (m *Manager) notify(ctx context.Context, s *models.Student, status Status) {
	m.notifier.WorkspaceStatusChanged(ctx, s.UserID, string(status))
}

type noopNotifier struct{}

func (noopNotifier) WorkspaceStatusChanged(context.Context, string, string) {}

func strPtr(s string) *string { return &s }

func statusPtr(s Status) *string { return strPtr(string(s)) }
