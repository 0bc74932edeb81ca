package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"

	"github.com/apranova/lms-workspace/internal/backend"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	codeServerPort = "8080/tcp"
	projectMount   = "/home/coder/project"
	stopTimeout    = 10
)

// engineAPI is the part of the docker engine client the backend uses.
type engineAPI interface {
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

var _ engineAPI = (*client.Client)(nil)

// Backend runs each workspace as a code-server container on the local docker engine.
type Backend struct {
	cli        engineAPI
	publicHost string
	logger     *slog.Logger
}

// New connects to the docker daemon configured in the environment.
func New(ctx context.Context, publicHost string, logger *slog.Logger) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach docker daemon: %w", err)
	}
	logger.Info("connected to docker daemon")
	return newWithAPI(cli, publicHost, logger), nil
}

func newWithAPI(cli engineAPI, publicHost string, logger *slog.Logger) *Backend {
	if publicHost == "" {
		publicHost = "localhost"
	}
	return &Backend{cli: cli, publicHost: publicHost, logger: logger}
}

func (b *Backend) Name() string { return "docker" }

func (b *Backend) BindsHostPorts() bool { return true }

func (b *Backend) Endpoint(u backend.Unit) string {
	return fmt.Sprintf("http://%s:%d", b.publicHost, u.HostPort)
}

func (b *Backend) EnsureImage(ctx context.Context, ref string) (bool, error) {
	if _, err := b.cli.ImageInspect(ctx, ref); err == nil {
		return false, nil
	} else if !cerrdefs.IsNotFound(err) {
		return false, fmt.Errorf("failed to inspect image: %w", err)
	}

	b.logger.Info("pulling workspace image", "image", ref)
	reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return false, fmt.Errorf("failed to pull image: %w", err)
	}
	return true, nil
}

func (b *Backend) Create(ctx context.Context, u backend.Unit) error {
	port := nat.Port(codeServerPort)
	config := &container.Config{
		Image:        u.Image,
		Env:          envList(u.Env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			"student_id": u.StudentID,
			"service":    "lms_workspace",
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(u.HostPort)}},
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: u.StoragePath,
			Target: projectMount,
		}},
	}

	resp, err := b.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, u.Handle)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	b.logger.Info("workspace container created", "handle", u.Handle, "container_id", shortID(resp.ID), "port", u.HostPort)
	return nil
}

func (b *Backend) Start(ctx context.Context, handle string) error {
	if err := b.cli.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", backend.ErrUnitNotFound, handle)
		}
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (b *Backend) Stop(ctx context.Context, handle string) error {
	timeout := stopTimeout
	if err := b.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (b *Backend) Destroy(ctx context.Context, handle string) error {
	if err := b.Stop(ctx, handle); err != nil {
		b.logger.Warn("failed to stop container before removal", "handle", handle, "error", err)
	}
	if err := b.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	b.logger.Info("workspace container removed", "handle", handle)
	return nil
}

func (b *Backend) IsReady(ctx context.Context, handle string) (bool, error) {
	info, err := b.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}
	return info.State != nil && info.State.Running, nil
}

func (b *Backend) InstallTools(ctx context.Context, handle string, command []string) error {
	if len(command) == 0 {
		return nil
	}
	execResp, err := b.cli.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()
	if _, err := io.Copy(io.Discard, attach.Reader); err != nil {
		return fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("tool install exited with code %d", inspect.ExitCode)
	}
	return nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
