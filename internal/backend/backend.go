// Package backend defines the capability interface every workspace execution strategy
// (local containers, cluster deployments) implements.
package backend

import (
	"context"
	"errors"
)

// ErrUnitNotFound is returned when an operation needs an execution unit that does not exist.
// Stop and Destroy never return it: an absent unit is already stopped and already gone.
var ErrUnitNotFound = errors.New("execution unit not found")

// Unit describes one student's execution unit.
type Unit struct {
	Handle      string
	StudentID   string
	Image       string
	HostPort    int
	StoragePath string
	Env         map[string]string
	// Files are seeded into the unit's project directory by backends that manage their own
	// storage. Keys are slash-separated paths relative to that directory.
	Files map[string][]byte
}

// HostPortBinder is implemented by backends that publish each unit on a host port.
// Unit.HostPort is only meaningful for those.
type HostPortBinder interface {
	BindsHostPorts() bool
}

// ManagedStorage is implemented by backends whose units keep files on volumes the service
// cannot reach. For those StoragePath is unused and Unit.Files carries the editor config.
type ManagedStorage interface {
	ManagesStorage() bool
}

type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Endpoint returns the URL clients use to reach u once it runs.
	Endpoint(u Unit) string
	// EnsureImage makes image available locally, pulling it on a miss. pulled reports a pull.
	EnsureImage(ctx context.Context, image string) (pulled bool, err error)
	// Create creates and launches u. Creating a unit whose handle is taken fails.
	Create(ctx context.Context, u Unit) error
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string) error
	// Destroy stops and removes the unit. Persistent storage is left in place.
	Destroy(ctx context.Context, handle string) error
	IsReady(ctx context.Context, handle string) (bool, error)
	// InstallTools runs command inside the unit and fails on a non-zero exit.
	InstallTools(ctx context.Context, handle string, command []string) error
}
