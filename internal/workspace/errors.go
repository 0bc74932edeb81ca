package workspace

import (
	"errors"
	"fmt"
)

var (
	ErrStudentNotFound        = errors.New("student not found")
	ErrAccessDenied           = errors.New("access denied")
	ErrNoWorkspace            = errors.New("no workspace provisioned")
	ErrProvisioningInProgress = errors.New("workspace provisioning already in progress")
	ErrProvisioningTimeout    = errors.New("workspace did not become ready in time")
	ErrNoPortAvailable        = errors.New("no free workspace port")
)

// ExecutionError reports a failed call to the execution backend.
type ExecutionError struct {
	Op     string
	Handle string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Handle, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ToolInstallWarning is logged, never returned: tool installation does not fail provisioning.
type ToolInstallWarning struct {
	Handle string
	Err    error
}

func (w *ToolInstallWarning) Error() string {
	return fmt.Sprintf("tool installation in %s failed: %v", w.Handle, w.Err)
}

func (w *ToolInstallWarning) Unwrap() error {
	return w.Err
}
