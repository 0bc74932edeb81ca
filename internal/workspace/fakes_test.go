package workspace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/apranova/lms-workspace/internal/backend"
	"github.com/apranova/lms-workspace/internal/db"
	"github.com/apranova/lms-workspace/internal/lock"
	"github.com/apranova/lms-workspace/internal/models"
	"github.com/apranova/lms-workspace/internal/progress"
	"github.com/apranova/lms-workspace/internal/repository"
	"github.com/apranova/lms-workspace/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeBackend keeps an in-memory unit table and records every call.
type fakeBackend struct {
	mu         sync.Mutex
	units      map[string]bool // handle -> running
	calls      []string
	created    []backend.Unit
	ensureErr  error
	createErr  error
	startErr   error
	stopErr    map[string]error
	destroyErr error
	toolsErr   error
	neverReady bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{units: map[string]bool{}, stopErr: map[string]error{}}
}

func (f *fakeBackend) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) Name() string         { return "fake" }
func (f *fakeBackend) BindsHostPorts() bool { return true }

func (f *fakeBackend) Endpoint(u backend.Unit) string {
	return fmt.Sprintf("http://localhost:%d", u.HostPort)
}

func (f *fakeBackend) EnsureImage(ctx context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ensure-image")
	return false, f.ensureErr
}

func (f *fakeBackend) Create(ctx context.Context, u backend.Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create:" + u.Handle)
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.units[u.Handle]; ok {
		return fmt.Errorf("unit %s already exists", u.Handle)
	}
	f.units[u.Handle] = true
	f.created = append(f.created, u)
	return nil
}

func (f *fakeBackend) Start(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start:" + handle)
	if f.startErr != nil {
		return f.startErr
	}
	if _, ok := f.units[handle]; !ok {
		return backend.ErrUnitNotFound
	}
	f.units[handle] = true
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop:" + handle)
	if err := f.stopErr[handle]; err != nil {
		return err
	}
	if _, ok := f.units[handle]; ok {
		f.units[handle] = false
	}
	return nil
}

func (f *fakeBackend) Destroy(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy:" + handle)
	if f.destroyErr != nil {
		return f.destroyErr
	}
	delete(f.units, handle)
	return nil
}

func (f *fakeBackend) IsReady(ctx context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.neverReady {
		return false, nil
	}
	return f.units[handle], nil
}

func (f *fakeBackend) InstallTools(ctx context.Context, handle string, command []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("install-tools:" + handle)
	return f.toolsErr
}

func (f *fakeBackend) Exists(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.units[handle]
	return ok
}

// managedBackend is a fakeBackend whose units keep files on their own volumes.
type managedBackend struct {
	*fakeBackend
}

func (managedBackend) ManagesStorage() bool { return true }

type faultyStorage struct {
	Storage
	ensureErr error
	configErr error
}

func (s faultyStorage) Ensure(ctx context.Context, studentID string) (string, error) {
	if s.ensureErr != nil {
		return "", s.ensureErr
	}
	return s.Storage.Ensure(ctx, studentID)
}

func (s faultyStorage) WriteEditorConfig(ctx context.Context, studentID string) error {
	if s.configErr != nil {
		return s.configErr
	}
	return s.Storage.WriteEditorConfig(ctx, studentID)
}

// faultyRegistry fails any write that moves a workspace to failStatus.
type faultyRegistry struct {
	Registry
	failStatus Status
	err        error
}

func (r faultyRegistry) UpdateWorkspace(ctx context.Context, id string, u repository.WorkspaceUpdate) error {
	if u.Status != nil && Status(*u.Status) == r.failStatus {
		return r.err
	}
	return r.Registry.UpdateWorkspace(ctx, id, u)
}

type statusChange struct {
	UserID string
	Status string
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []statusChange
}

func (n *recordingNotifier) WorkspaceStatusChanged(ctx context.Context, userID, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, statusChange{UserID: userID, Status: status})
}

func (n *recordingNotifier) Statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.changes))
	for _, c := range n.changes {
		out = append(out, c.Status)
	}
	return out
}

type harness struct {
	manager  *Manager
	gdb      *gorm.DB
	repo     *repository.StudentRepository
	backend  *fakeBackend
	notifier *recordingNotifier
	locker   *lock.Memory
	fs       afero.Fs
	storage  *storage.Local
	deps     Deps
	cfg      Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb, err := db.Connect("sqlite::memory:", "")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	repo := repository.NewStudentRepository(gdb)
	fs := afero.NewMemMapFs()
	st, err := storage.NewLocal(fs, "/srv/workspaces", storage.DefaultEditorSettings())
	require.NoError(t, err)

	h := &harness{
		gdb:      gdb,
		repo:     repo,
		backend:  newFakeBackend(),
		notifier: &recordingNotifier{},
		locker:   lock.NewMemory(),
		fs:       fs,
		storage:  st,
	}
	h.deps = Deps{
		Registry: repo,
		Backend:  h.backend,
		Storage:  st,
		Ports:    NewPortAllocator(9000, 9009, repo, WithProbe(func(int) bool { return true })),
		Notifier: h.notifier,
		Locker:   h.locker,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.cfg = Config{
		Password:           "secret",
		ReadyTimeout:       200 * time.Millisecond,
		ReadyInterval:      5 * time.Millisecond,
		IdleTimeout:        15 * time.Minute,
		ToolInstallCommand: []string{"sh", "-c", "true"},
	}
	h.manager = NewManager(h.deps, h.cfg)
	return h
}

// rebuild replaces the manager with one built from deps as changed by mutate.
func (h *harness) rebuild(mutate func(d *Deps)) {
	mutate(&h.deps)
	h.manager = NewManager(h.deps, h.cfg)
}

const testStudentID = "3f2b9c1a-7d4e-4a0b-9c55-1e2f3a4b5c6d"

func (h *harness) seed(t *testing.T, s models.Student) {
	t.Helper()
	if s.UserID == "" {
		s.UserID = "user-" + s.ID
	}
	require.NoError(t, h.gdb.Create(&s).Error)
}

func (h *harness) student(t *testing.T, id string) *models.Student {
	t.Helper()
	s, err := h.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

func ptr[T any](v T) *T { return &v }

func drain(s *progress.Stream) []progress.Event {
	var out []progress.Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}
