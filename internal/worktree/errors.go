// Package worktree provides isolated Git worktrees for concurrent session
// execution, plus deterministic branch naming.
package worktree

import "errors"

var (
	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrNotARepository is returned when the project root is not a Git repository.
	ErrNotARepository = errors.New("project root is not a git repository")

	// ErrBranchExists is returned when the branch name already exists in the repository.
	ErrBranchExists = errors.New("branch already exists")

	// ErrBaseBranchMissing is returned when the base branch does not exist.
	ErrBaseBranchMissing = errors.New("base branch does not exist")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrInvalidSession is returned when the session ID is invalid or empty.
	ErrInvalidSession = errors.New("invalid or empty session ID")
)
