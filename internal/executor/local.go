package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/session"
)

// Local runs the configured agent CLI as a child process inside the
// session's working directory. Cancellation kills the whole process group so
// grandchildren spawned by the agent die with it.
type Local struct {
	cfg    config.ExecutorConfig
	logger *logger.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd // sessionID -> in-flight process
}

var _ session.Executor = (*Local)(nil)

// NewLocal creates a local process executor.
func NewLocal(cfg config.ExecutorConfig, log *logger.Logger) *Local {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &Local{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "local-executor")),
		running: make(map[string]*exec.Cmd),
	}
}

// Execute runs the agent CLI to completion. The returned result carries the
// process output, files touched, and commits made during the run. An error
// return means the executor itself failed; an unsuccessful agent run comes
// back as a result with Success=false.
func (l *Local) Execute(ctx context.Context, ec *session.ExecutionContext) (*session.ExecutionResult, error) {
	sessionID := ec.Session.ID
	start := time.Now()

	if ec.WorkingDir == "" {
		return nil, fmt.Errorf("execution context has no working directory")
	}
	if info, err := os.Stat(ec.WorkingDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("working directory %s does not exist", ec.WorkingDir)
	}

	// The session's security context caps wall-clock time regardless of the
	// manager timeout.
	if maxMs := ec.Session.SecurityContext.MaxExecutionTimeMs; maxMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(maxMs)*time.Millisecond)
		defer cancel()
	}

	prompt := BuildPrompt(ec)
	args := expandArgs(l.cfg.Args, prompt)

	cmd := exec.Command(l.cfg.Command, args...)
	cmd.Dir = ec.WorkingDir
	cmd.SysProcAttr = buildSysProcAttr()
	cmd.Env = os.Environ()
	for k, v := range ec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.cfg.Command, err)
	}

	pid := cmd.Process.Pid
	l.logger.Info("agent process started",
		zap.String("session_id", sessionID),
		zap.Int("pid", pid),
		zap.String("working_dir", ec.WorkingDir))
	if ec.OnProcess != nil {
		ec.OnProcess(strconv.Itoa(pid))
	}

	l.mu.Lock()
	l.running[sessionID] = cmd
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.running, sessionID)
		l.mu.Unlock()
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		l.killGroup(pid)
		<-done
		return nil, ctx.Err()
	}

	duration := time.Since(start)
	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("agent process failed: %w", waitErr)
		}
	}

	result := &session.ExecutionResult{
		Success:    exitCode == 0,
		Output:     stdout.String(),
		DurationMs: duration.Milliseconds(),
		ExitCode:   exitCode,
	}
	if exitCode != 0 {
		result.Error = fmt.Sprintf("agent exited with code %d: %s", exitCode, firstLine(stderr.String()))
	}

	// Result enrichment is best-effort; a session that produced no commits
	// is still a valid outcome.
	result.FilesModified = modifiedFiles(ctx, ec.WorkingDir)
	result.Commits = commitsSince(ctx, ec.WorkingDir, ec.DefaultBranch)

	l.logger.Info("agent process finished",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration),
		zap.Int("commits", len(result.Commits)))

	return result, nil
}

// CancelSession kills the session's process group. Idempotent: cancelling a
// session with no running process is a no-op.
func (l *Local) CancelSession(sessionID string) error {
	l.mu.Lock()
	cmd, ok := l.running[sessionID]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}

	l.logger.Info("killing agent process",
		zap.String("session_id", sessionID),
		zap.Int("pid", cmd.Process.Pid))
	l.killGroup(cmd.Process.Pid)
	return nil
}

func (l *Local) killGroup(pid int) {
	if err := killProcessGroup(pid); err != nil {
		l.logger.Debug("process group kill failed", zap.Int("pid", pid), zap.Error(err))
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
