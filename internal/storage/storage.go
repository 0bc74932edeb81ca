// Package storage manages the per-student directories mounted into workspaces.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var ErrInvalidStudentID = errors.New("invalid student id for storage path")

// EditorConfigFile is the editor settings path relative to a workspace directory.
const EditorConfigFile = ".vscode/settings.json"

// EditorSettings is written to .vscode/settings.json in every workspace.
type EditorSettings struct {
	AutoSaveDelaySeconds int
	ColorTheme           string
	FontSize             int
}

func DefaultEditorSettings() EditorSettings {
	return EditorSettings{AutoSaveDelaySeconds: 10, ColorTheme: "Default Dark Modern", FontSize: 14}
}

func (s EditorSettings) document() map[string]any {
	return map[string]any{
		"files.autoSave":                           "afterDelay",
		"files.autoSaveDelay":                      s.AutoSaveDelaySeconds * 1000,
		"workbench.colorTheme":                     s.ColorTheme,
		"workbench.startupEditor":                  "none",
		"editor.fontSize":                          s.FontSize,
		"editor.formatOnSave":                      true,
		"terminal.integrated.defaultProfile.linux": "bash",
		"security.workspace.trust.enabled":         false,
		"telemetry.telemetryLevel":                 "off",
	}
}

// Local keeps workspace files under basePath/<studentID> on fs. Directories are never removed.
type Local struct {
	fs       afero.Fs
	basePath string
	settings EditorSettings
}

func NewLocal(fs afero.Fs, basePath string, settings EditorSettings) (*Local, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace base path: %w", err)
	}
	return &Local{fs: fs, basePath: abs, settings: settings}, nil
}

// Path returns the directory holding studentID's files.
func (l *Local) Path(studentID string) (string, error) {
	if studentID == "" || studentID == "." || studentID == ".." || strings.ContainsAny(studentID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStudentID, studentID)
	}
	return filepath.Join(l.basePath, studentID), nil
}

// Ensure creates the student directory if missing and returns its absolute path.
func (l *Local) Ensure(ctx context.Context, studentID string) (string, error) {
	dir, err := l.Path(studentID)
	if err != nil {
		return "", err
	}
	if err := l.fs.MkdirAll(dir, 0o777); err != nil {
		return "", fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return dir, nil
}

// WriteEditorConfig overwrites .vscode/settings.json inside the student directory.
func (l *Local) WriteEditorConfig(ctx context.Context, studentID string) error {
	dir, err := l.Path(studentID)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, filepath.FromSlash(EditorConfigFile))
	if err := l.fs.MkdirAll(filepath.Dir(target), 0o777); err != nil {
		return fmt.Errorf("failed to create editor config directory: %w", err)
	}

	body, err := l.EditorConfig()
	if err != nil {
		return err
	}
	if err := afero.WriteFile(l.fs, target, body, 0o666); err != nil {
		return fmt.Errorf("failed to write editor config: %w", err)
	}
	return nil
}

// EditorConfig renders the settings document written to EditorConfigFile.
func (l *Local) EditorConfig() ([]byte, error) {
	body, err := json.MarshalIndent(l.settings.document(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render editor config: %w", err)
	}
	return append(body, '\n'), nil
}
