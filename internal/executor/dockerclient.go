package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// containerSpec holds what the bridge needs to run one agent container.
type containerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []mountSpec
	MemoryMB   int
	Labels     map[string]string
}

type mountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// dockerClient wraps the Docker SDK with the lifecycle the executor needs.
type dockerClient struct {
	cli    *client.Client
	logger *logger.Logger
}

func newDockerClient(host string, log *logger.Logger) (*dockerClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &dockerClient{cli: cli, logger: log}, nil
}

func (c *dockerClient) Close() error {
	return c.cli.Close()
}

func (c *dockerClient) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// RunContainer creates and starts a container, returning its id.
func (c *dockerClient) RunContainer(ctx context.Context, spec containerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory: int64(spec.MemoryMB) * 1024 * 1024,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.RemoveContainer(context.WithoutCancel(ctx), resp.ID)
		return "", fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	c.logger.Info("container started",
		zap.String("container_id", resp.ID),
		zap.String("image", spec.Image))
	return resp.ID, nil
}

// WaitContainer blocks until the container exits and returns its exit code.
func (c *dockerClient) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("container wait failed: %w", err)
	}
}

// ContainerLogs returns the combined stdout and stderr of a container.
func (c *dockerClient) ContainerLogs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer func() { _ = reader.Close() }()

	var stdout, stderr demuxBuffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return stdout.String(), stderr.String(), fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// KillContainer sends SIGKILL to a container. Missing containers are fine.
func (c *dockerClient) KillContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerKill(ctx, containerID, "KILL"); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to kill container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer force-removes a container and its volumes.
func (c *dockerClient) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container, waiting up to timeout before killing.
func (c *dockerClient) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// demuxBuffer is a minimal io.Writer collecting one demultiplexed stream.
type demuxBuffer struct {
	data []byte
}

func (b *demuxBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *demuxBuffer) String() string {
	return string(b.data)
}
