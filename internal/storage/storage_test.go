package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCreatesDirectoryOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, err := NewLocal(fs, "/srv/workspaces", DefaultEditorSettings())
	require.NoError(t, err)
	ctx := context.Background()

	dir, err := l.Ensure(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/workspaces", "student-1"), dir)

	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "main.py"), []byte("print(1)"), 0o644))

	again, err := l.Ensure(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, dir, again)

	data, err := afero.ReadFile(fs, filepath.Join(dir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))
}

func TestEnsureRejectsPathTraversal(t *testing.T) {
	l, err := NewLocal(afero.NewMemMapFs(), "/srv/workspaces", DefaultEditorSettings())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../etc", "a/b"} {
		_, err := l.Ensure(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidStudentID, id)
	}
}

func TestWriteEditorConfigIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	settings := DefaultEditorSettings()
	settings.AutoSaveDelaySeconds = 30
	l, err := NewLocal(fs, "/srv/workspaces", settings)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.WriteEditorConfig(ctx, "student-1"))
	require.NoError(t, l.WriteEditorConfig(ctx, "student-1"))

	data, err := afero.ReadFile(fs, "/srv/workspaces/student-1/.vscode/settings.json")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "afterDelay", doc["files.autoSave"])
	assert.EqualValues(t, 30000, doc["files.autoSaveDelay"])
}

func TestEditorConfigMatchesWrittenFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, err := NewLocal(fs, "/srv/workspaces", DefaultEditorSettings())
	require.NoError(t, err)

	require.NoError(t, l.WriteEditorConfig(context.Background(), "student-1"))
	onDisk, err := afero.ReadFile(fs, "/srv/workspaces/student-1/"+EditorConfigFile)
	require.NoError(t, err)

	rendered, err := l.EditorConfig()
	require.NoError(t, err)
	assert.Equal(t, onDisk, rendered)
}
