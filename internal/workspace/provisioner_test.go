package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/apranova/lms-workspace/internal/models"
	"github.com/apranova/lms-workspace/internal/progress"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle(t *testing.T) {
	assert.Equal(t, "codeserver-3f2b9c1a", Handle(testStudentID))
	assert.Equal(t, "codeserver-abc", Handle("abc"))
}

func TestProvisionCreatesWorkspace(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.Student{ID: testStudentID})
	stream := progress.NewStream(64)

	rec, err := h.manager.Provision(context.Background(), testStudentID, stream)
	require.NoError(t, err)

	assert.Equal(t, StatusRunning, rec.Status)
	require.NotNil(t, rec.URL)
	assert.Regexp(t, `^http://localhost:900\d$`, *rec.URL)
	assert.Equal(t, "codeserver-3f2b9c1a", rec.ContainerName)

	events := drain(stream)
	require.NotEmpty(t, events)
	last := 0
	for _, ev := range events[:len(events)-1] {
		assert.Empty(t, ev.Error)
		assert.GreaterOrEqual(t, ev.Progress, last)
		assert.Less(t, ev.Progress, 100)
		last = ev.Progress
	}
	final := events[len(events)-1]
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "Workspace ready!", final.Message)
	assert.Equal(t, rec, final.Workspace)

	s := h.student(t, testStudentID)
	assert.Equal(t, models.WorkspaceStatusRunning, *s.WorkspaceStatus)
	assert.Equal(t, *rec.URL, *s.WorkspaceURL)
	assert.NotNil(t, s.WorkspaceLastActivity)

	dir := filepath.Join("/srv/workspaces", testStudentID)
	exists, err := afero.Exists(h.fs, filepath.Join(dir, ".vscode", "settings.json"))
	require.NoError(t, err)
	assert.True(t, exists)

	require.Len(t, h.backend.created, 1)
	unit := h.backend.created[0]
	assert.Equal(t, dir, unit.StoragePath)
	assert.Equal(t, "secret", unit.Env["PASSWORD"])
	assert.Equal(t, "codercom/code-server:latest", unit.Image)

	assert.Contains(t, h.backend.Calls(), "install-tools:codeserver-3f2b9c1a")
	assert.Equal(t, []string{"provisioning", "running"}, h.notifier.Statuses())
}

func TestProvisionFastPathWhenRunning(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.Student{
		ID:              testStudentID,
		WorkspaceStatus: ptr(models.WorkspaceStatusRunning),
		WorkspaceURL:    ptr("http://localhost:9004"),
	})
	stream := progress.NewStream(64)

	rec, err := h.manager.Provision(context.Background(), testStudentID, stream)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9004", *rec.URL)

	events := drain(stream)
	final := events[len(events)-1]
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "Workspace already running", final.Message)

	assert.Empty(t, h.backend.Calls())
	assert.Empty(t, h.notifier.Statuses())
}

func TestProvisionRecoversStaleState(t *testing.T) {
	for _, status := range []string{models.WorkspaceStatusProvisioning, models.WorkspaceStatusError} {
		t.Run(status, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, models.Student{
				ID:              testStudentID,
				WorkspaceStatus: ptr(status),
				WorkspaceURL:    ptr("http://localhost:9007"),
			})
			// A unit left behind by the earlier attempt.
			h.backend.units[Handle(testStudentID)] = false

			rec, err := h.manager.Provision(context.Background(), testStudentID, nil)
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, rec.Status)

			calls := h.backend.Calls()
			require.GreaterOrEqual(t, len(calls), 2)
			assert.Equal(t, "destroy:codeserver-3f2b9c1a", calls[0])
			assert.Contains(t, calls, "create:codeserver-3f2b9c1a")
		})
	}
}

func TestProvisionReplacesStoppedUnit(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.Student{
		ID:              testStudentID,
		WorkspaceStatus: ptr(models.WorkspaceStatusStopped),
		WorkspaceURL:    ptr("http://localhost:9003"),
	})
	h.backend.units[Handle(testStudentID)] = false

	rec, err := h.manager.Provision(context.Background(), testStudentID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.True(t, h.backend.Exists(Handle(testStudentID)))
}

func TestProvisionFailureRecordsErrorAndClearsURL(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.Student{ID: testStudentID})
	h.backend.createErr = errors.New("port is already allocated")
	stream := progress.NewStream(64)

	_, err := h.manager.Provision(context.Background(), testStudentID, stream)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "create", execErr.Op)

	s := h.student(t, testStudentID)
	assert.Equal(t, models.WorkspaceStatusError, *s.WorkspaceStatus)
	assert.Nil(t, s.WorkspaceURL)

	events := drain(stream)
	final := events[len(events)-1]
	assert.Contains(t, final.Error, "port is already allocated")

	assert.Contains(t, h.backend.Calls(), "destroy:codeserver-3f2b9c1a")
	assert.Equal(t, []string{"provisioning", "error"}, h.notifier.Statuses())

	// The error state is stale on the next attempt.
	h.backend.createErr = nil
	rec, err := h.manager.Provision(context.Background(), testStudentID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
}

func TestProvisionTimeout(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.Student{ID: testStudentID})
	h.backend.neverReady = true

	_, err := h.manager.Provision(context.Background(), testStudentID, nil)
	require.ErrorIs(t, err, ErrProvisioningTimeout)

	s := h.student(t, testStudentID)
	assert.Equal(t, models.WorkspaceStatusError, *s.WorkspaceStatus)
	assert.Nil(t, s.WorkspaceURL)
	assert.False(t, h.backend.Exists(Handle(testStudentID)), "partially created unit is torn down")
}

func TestProvisionToolFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.Student{ID: testStudentID})
	h.backend.toolsErr = errors.New("apt-get: exit status 100")

	rec, err := h.manager.Provision(context.Background(), testStudentID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
}

func TestProvisionUnknownStudent(t *testing.T) {
	h := newHarness(t)
	stream := progress.NewStream(64)

	_, err := h.manager.Provision(context.Background(), "missing", stream)
	require.ErrorIs(t, err, ErrStudentNotFound)

	events := drain(stream)
	assert.Equal(t, ErrStudentNotFound.Error(), events[len(events)-1].Error)
	assert.Empty(t, h.backend.Calls())
}

func TestProvisionRejectsConcurrentAttempt(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.Student{ID: testStudentID})

	unlock, ok, err := h.locker.TryLock(context.Background(), testStudentID)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	_, err = h.manager.Provision(context.Background(), testStudentID, nil)
	require.ErrorIs(t, err, ErrProvisioningInProgress)
	assert.Empty(t, h.backend.Calls())
	assert.Nil(t, h.student(t, testStudentID).WorkspaceStatus)
}

func TestProvisionContinuesAfterConsumerDetaches(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.Student{ID: testStudentID})
	stream := progress.NewStream(0)
	stream.Detach()

	rec, err := h.manager.Provision(context.Background(), testStudentID, stream)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, models.WorkspaceStatusRunning, *h.student(t, testStudentID).WorkspaceStatus)
}

func TestProvisionAvoidsClaimedPorts(t *testing.T) {
	h := newHarness(t)
	h.manager.ports = NewPortAllocator(9000, 9009, h.repo,
		WithProbe(func(int) bool { return true }),
		WithStart(func(int) int { return 0 }),
	)
	h.seed(t, models.Student{
		ID:              "other-student",
		WorkspaceStatus: ptr(models.WorkspaceStatusStopped),
		WorkspaceURL:    ptr("http://localhost:9000"),
	})
	h.seed(t, models.Student{ID: testStudentID})

	rec, err := h.manager.Provision(context.Background(), testStudentID, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9001", *rec.URL)
}

func TestProvisionFailingStepLeavesErrorState(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name     string
		setup    func(h *harness)
		launched bool
		check    func(t *testing.T, err error)
	}{
		{
			name:  "ensure image",
			setup: func(h *harness) { h.backend.ensureErr = boom },
			check: func(t *testing.T, err error) {
				var execErr *ExecutionError
				require.ErrorAs(t, err, &execErr)
				assert.Equal(t, "ensure image", execErr.Op)
			},
		},
		{
			name: "storage directory",
			setup: func(h *harness) {
				h.rebuild(func(d *Deps) { d.Storage = faultyStorage{Storage: h.storage, ensureErr: boom} })
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, boom) },
		},
		{
			name: "editor config",
			setup: func(h *harness) {
				h.rebuild(func(d *Deps) { d.Storage = faultyStorage{Storage: h.storage, configErr: boom} })
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, boom) },
		},
		{
			name:     "create",
			setup:    func(h *harness) { h.backend.createErr = boom },
			launched: true,
			check: func(t *testing.T, err error) {
				var execErr *ExecutionError
				require.ErrorAs(t, err, &execErr)
				assert.Equal(t, "create", execErr.Op)
			},
		},
		{
			name:     "readiness",
			setup:    func(h *harness) { h.backend.neverReady = true },
			launched: true,
			check:    func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrProvisioningTimeout) },
		},
		{
			name: "final status write",
			setup: func(h *harness) {
				h.rebuild(func(d *Deps) { d.Registry = faultyRegistry{Registry: h.repo, failStatus: StatusRunning, err: boom} })
			},
			launched: true,
			check:    func(t *testing.T, err error) { assert.ErrorIs(t, err, boom) },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, models.Student{ID: testStudentID})
			tc.setup(h)
			stream := progress.NewStream(64)

			_, err := h.manager.Provision(context.Background(), testStudentID, stream)
			require.Error(t, err)
			tc.check(t, err)

			s := h.student(t, testStudentID)
			require.NotNil(t, s.WorkspaceStatus)
			assert.Equal(t, models.WorkspaceStatusError, *s.WorkspaceStatus)
			assert.Nil(t, s.WorkspaceURL)

			events := drain(stream)
			require.NotEmpty(t, events)
			assert.NotEmpty(t, events[len(events)-1].Error)
			assert.Equal(t, []string{"provisioning", "error"}, h.notifier.Statuses())

			destroy := "destroy:" + Handle(testStudentID)
			if tc.launched {
				assert.Contains(t, h.backend.Calls(), destroy)
				assert.False(t, h.backend.Exists(Handle(testStudentID)))
			} else {
				assert.NotContains(t, h.backend.Calls(), destroy)
			}

			unlock, ok, err := h.locker.TryLock(context.Background(), testStudentID)
			require.NoError(t, err)
			assert.True(t, ok, "provisioning lock still held")
			if ok {
				unlock()
			}
		})
	}
}

func TestProvisionHandsEditorConfigToManagedStorage(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.Student{ID: testStudentID})
	h.rebuild(func(d *Deps) { d.Backend = managedBackend{h.backend} })

	rec, err := h.manager.Provision(context.Background(), testStudentID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)

	require.Len(t, h.backend.created, 1)
	unit := h.backend.created[0]
	assert.Empty(t, unit.StoragePath)
	want, err := h.storage.EditorConfig()
	require.NoError(t, err)
	assert.Equal(t, want, unit.Files[".vscode/settings.json"])

	exists, err := afero.DirExists(h.fs, filepath.Join("/srv/workspaces", testStudentID))
	require.NoError(t, err)
	assert.False(t, exists, "host directory is not used by managed storage")
}
