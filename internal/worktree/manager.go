package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// Manager creates and removes Git worktrees for sessions. All git mutations
// against the repository are serialized behind a single lock; git itself does
// not tolerate concurrent worktree surgery on one repo.
type Manager struct {
	config Config
	logger *logger.Logger

	worktrees map[string]string // sessionID -> worktree path
	mu        sync.RWMutex
	repoLock  sync.Mutex
}

// NewManager creates a worktree manager rooted at the configured repository.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if log == nil {
		log = logger.Default()
	}

	if !isGitRepo(cfg.RepositoryPath) {
		return nil, fmt.Errorf("%w: %s", ErrNotARepository, cfg.RepositoryPath)
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		worktrees: make(map[string]string),
	}, nil
}

// CreateWorktree creates an isolated worktree for a session, checking out a
// new branch from baseBranch. Returns the absolute worktree path. Creating a
// second worktree for the same session returns the existing path.
func (m *Manager) CreateWorktree(ctx context.Context, sessionID, baseBranch, branchName string) (string, error) {
	if sessionID == "" {
		return "", ErrInvalidSession
	}

	m.mu.RLock()
	existing, ok := m.worktrees[sessionID]
	m.mu.RUnlock()
	if ok && m.isValid(existing) {
		m.logger.Info("reusing existing worktree",
			zap.String("session_id", sessionID),
			zap.String("path", existing))
		return existing, nil
	}

	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	if !m.branchExists(baseBranch) {
		return "", fmt.Errorf("%w: %s", ErrBaseBranchMissing, baseBranch)
	}
	if m.branchExists(branchName) {
		return "", fmt.Errorf("%w: %s", ErrBranchExists, branchName)
	}

	worktreePath, err := m.config.WorktreePath(sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to get worktree path: %w", err)
	}

	// git worktree add -b <branch> <path> <base-branch>
	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", branchName,
		worktreePath,
		baseBranch)
	cmd.Dir = m.config.RepositoryPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("output", string(output)),
			zap.Error(err))
		return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	m.mu.Lock()
	m.worktrees[sessionID] = worktreePath
	m.mu.Unlock()

	m.logger.Info("created worktree",
		zap.String("session_id", sessionID),
		zap.String("path", worktreePath),
		zap.String("branch", branchName),
		zap.String("base_branch", baseBranch))

	return worktreePath, nil
}

// RemoveWorktree removes a session's worktree. Idempotent: removing a
// worktree that never existed, or was already removed, succeeds.
func (m *Manager) RemoveWorktree(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}

	m.mu.Lock()
	worktreePath, ok := m.worktrees[sessionID]
	delete(m.worktrees, sessionID)
	m.mu.Unlock()

	if !ok {
		// Not cached; the directory may still exist from a prior run.
		var err error
		worktreePath, err = m.config.WorktreePath(sessionID)
		if err != nil {
			return nil
		}
		if _, statErr := os.Stat(worktreePath); statErr != nil {
			return nil
		}
	}

	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	if err := m.removeWorktreeDir(ctx, worktreePath); err != nil {
		m.logger.Warn("failed to remove worktree directory",
			zap.String("path", worktreePath),
			zap.Error(err))
		return err
	}

	m.logger.Info("removed worktree",
		zap.String("session_id", sessionID),
		zap.String("path", worktreePath))

	return nil
}

// Path returns the worktree path for a session, if one exists.
func (m *Manager) Path(sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	path, ok := m.worktrees[sessionID]
	if !ok {
		return "", ErrWorktreeNotFound
	}
	return path, nil
}

// Reconcile removes worktree directories with no matching active session.
// Called on startup so crashed runs do not leak directories.
func (m *Manager) Reconcile(ctx context.Context, activeSessionIDs []string) error {
	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return fmt.Errorf("failed to expand base path: %w", err)
	}

	activeSet := make(map[string]bool, len(activeSessionIDs))
	for _, id := range activeSessionIDs {
		activeSet[id] = true
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read worktree directory: %w", err)
	}

	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionID := entry.Name()
		if activeSet[sessionID] {
			m.mu.Lock()
			m.worktrees[sessionID] = filepath.Join(basePath, sessionID)
			m.mu.Unlock()
			continue
		}

		worktreePath := filepath.Join(basePath, sessionID)
		m.logger.Info("cleaning up orphaned worktree",
			zap.String("session_id", sessionID),
			zap.String("path", worktreePath))
		if err := m.removeWorktreeDir(ctx, worktreePath); err != nil {
			m.logger.Warn("failed to remove orphaned worktree",
				zap.String("path", worktreePath),
				zap.Error(err))
		}
	}

	return nil
}

// isValid checks if a worktree directory is usable: it exists and carries a
// .git file (worktrees have a .git file, not a directory) pointing back at
// the repository.
func (m *Manager) isValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// branchExists checks if a branch resolves in the repository.
func (m *Manager) branchExists(branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = m.config.RepositoryPath
	return cmd.Run() == nil
}

// removeWorktreeDir removes a worktree directory using git worktree remove,
// falling back to plain removal plus prune when git refuses.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = m.config.RepositoryPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}

		cmd = exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = m.config.RepositoryPath
		if err := cmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

// isGitRepo checks if a path is a Git repository. .git can be either a
// directory (regular repo) or a file (worktree).
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}
