package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/session"
)

// workspaceMount is where the session worktree appears inside the container.
const workspaceMount = "/workspace"

// Docker runs the agent CLI inside a container, honoring the session's
// security context: memory cap, allowed paths mounted read-only, isolated
// environment. The Docker client is created lazily so a bridge configured
// for local execution never touches the daemon; lazy init also lets a
// transiently unavailable daemon recover between sessions.
type Docker struct {
	cfg    config.ExecutorConfig
	logger *logger.Logger

	// newClientFunc is overridable in tests.
	newClientFunc func(host string, log *logger.Logger) (*dockerClient, error)

	mu          sync.Mutex
	initialized bool
	client      *dockerClient
	containers  map[string]string // sessionID -> containerID
}

var _ session.Executor = (*Docker)(nil)

// NewDocker creates a Docker-backed executor.
func NewDocker(cfg config.ExecutorConfig, log *logger.Logger) *Docker {
	if log == nil {
		log = logger.Default()
	}
	return &Docker{
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "docker-executor")),
		newClientFunc: newDockerClient,
		containers:    make(map[string]string),
	}
}

// ensureClient lazily creates the Docker client. Not sync.Once: failures are
// retried on the next call.
func (d *Docker) ensureClient(ctx context.Context) (*dockerClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return d.client, nil
	}

	cli, err := d.newClientFunc(d.cfg.DockerHost, d.logger)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon unavailable: %w", err)
	}

	d.client = cli
	d.initialized = true
	return d.client, nil
}

// Execute runs the agent in a container bound to the session worktree.
func (d *Docker) Execute(ctx context.Context, ec *session.ExecutionContext) (*session.ExecutionResult, error) {
	sessionID := ec.Session.ID
	start := time.Now()

	cli, err := d.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	if maxMs := ec.Session.SecurityContext.MaxExecutionTimeMs; maxMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(maxMs)*time.Millisecond)
		defer cancel()
	}

	prompt := BuildPrompt(ec)
	cmd := append([]string{d.cfg.Command}, expandArgs(d.cfg.Args, prompt)...)

	spec := containerSpec{
		Name:       "agentbridge-" + sessionID,
		Image:      d.cfg.DockerImage,
		Cmd:        cmd,
		WorkingDir: workspaceMount,
		MemoryMB:   ec.Session.SecurityContext.MaxMemoryMB,
		Mounts: []mountSpec{
			{Source: ec.WorkingDir, Target: workspaceMount},
		},
		Labels: map[string]string{
			"agentbridge.session_id": sessionID,
			"agentbridge.issue_id":   ec.Session.IssueID,
		},
	}
	for k, v := range ec.Env {
		spec.Env = append(spec.Env, k+"="+v)
	}
	// Extra allowed paths come in read-only; the worktree is the only
	// writable surface.
	for _, p := range ec.Session.SecurityContext.AllowedPaths {
		if p == ec.WorkingDir {
			continue
		}
		spec.Mounts = append(spec.Mounts, mountSpec{Source: p, Target: p, ReadOnly: true})
	}

	containerID, err := cli.RunContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	if ec.OnProcess != nil {
		ec.OnProcess(containerID)
	}

	d.mu.Lock()
	d.containers[sessionID] = containerID
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.containers, sessionID)
		d.mu.Unlock()
		// Cleanup survives a cancelled ctx.
		if err := cli.RemoveContainer(context.WithoutCancel(ctx), containerID); err != nil {
			d.logger.Warn("failed to remove container", zap.Error(err))
		}
	}()

	exitCode, err := cli.WaitContainer(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			_ = cli.KillContainer(context.WithoutCancel(ctx), containerID)
			return nil, ctx.Err()
		}
		return nil, err
	}

	stdout, stderr, logErr := cli.ContainerLogs(context.WithoutCancel(ctx), containerID)
	if logErr != nil {
		d.logger.Warn("failed to collect container logs", zap.Error(logErr))
	}

	duration := time.Since(start)
	result := &session.ExecutionResult{
		Success:    exitCode == 0,
		Output:     stdout,
		DurationMs: duration.Milliseconds(),
		ExitCode:   int(exitCode),
	}
	if exitCode != 0 {
		result.Error = fmt.Sprintf("agent container exited with code %d: %s", exitCode, firstLine(strings.TrimSpace(stderr)))
	}

	// The worktree is bind-mounted, so git inspection happens host-side.
	result.FilesModified = modifiedFiles(context.WithoutCancel(ctx), ec.WorkingDir)
	result.Commits = commitsSince(context.WithoutCancel(ctx), ec.WorkingDir, ec.DefaultBranch)

	d.logger.Info("agent container finished",
		zap.String("session_id", sessionID),
		zap.String("container_id", containerID),
		zap.Int64("exit_code", exitCode),
		zap.Duration("duration", duration))

	return result, nil
}

// CancelSession kills the session's container, if one is running.
func (d *Docker) CancelSession(sessionID string) error {
	d.mu.Lock()
	containerID, ok := d.containers[sessionID]
	cli := d.client
	d.mu.Unlock()
	if !ok || cli == nil {
		return nil
	}

	d.logger.Info("killing agent container",
		zap.String("session_id", sessionID),
		zap.String("container_id", containerID))
	return cli.KillContainer(context.Background(), containerID)
}

// Close releases the Docker client if one was created.
func (d *Docker) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// Provide selects the executor backend from configuration.
func Provide(cfg config.ExecutorConfig, log *logger.Logger) (session.Executor, error) {
	switch cfg.Kind {
	case "", "local":
		return NewLocal(cfg, log), nil
	case "docker":
		return NewDocker(cfg, log), nil
	}
	return nil, fmt.Errorf("unknown executor kind: %q", cfg.Kind)
}
