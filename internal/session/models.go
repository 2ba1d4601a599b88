// Package session implements the per-issue session lifecycle: creation with
// dedup against active sessions, delegation-first start, direct execution,
// cancellation, timeouts, and persistence.
package session

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/agentbridge/internal/linear"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	// StatusCreated - session created but work not started
	StatusCreated Status = "CREATED"
	// StatusRunning - work is in progress (direct executor or delegated)
	StatusRunning Status = "RUNNING"
	// StatusCompleted - work finished successfully
	StatusCompleted Status = "COMPLETED"
	// StatusFailed - work failed with an error
	StatusFailed Status = "FAILED"
	// StatusCancelled - session was cancelled, explicitly or by timeout
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status is absorbing. Sessions never leave
// a terminal status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the status counts toward the one-active-session-
// per-issue invariant.
func (s Status) IsActive() bool {
	return s == StatusCreated || s == StatusRunning
}

// MarshalJSON serializes the status as its lowercase name, which is the
// persisted representation.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strings.ToLower(string(s)) + `"`), nil
}

// UnmarshalJSON accepts any case so records written by older builds restore
// cleanly.
func (s *Status) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(data, `"`))
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a string to a Status, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToUpper(raw)) {
	case StatusCreated:
		return StatusCreated, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusCancelled:
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("unknown session status: %q", raw)
}

// Metadata carries the provenance of a session. Ad-hoc data goes into
// Extra; the named fields stay closed.
type Metadata struct {
	CreatorID        string            `json:"creatorId"`
	TenantID         string            `json:"tenantId"`
	TriggerCommentID string            `json:"triggerCommentId,omitempty"`
	IssueTitle       string            `json:"issueTitle"`
	TriggerEventType string            `json:"triggerEventType"` // issue or comment
	Extra            map[string]string `json:"extra,omitempty"`
}

// SecurityContext bounds what the executor may touch on behalf of a session.
type SecurityContext struct {
	AllowedPaths        []string `json:"allowedPaths"`
	MaxMemoryMB         int      `json:"maxMemoryMB"`
	MaxExecutionTimeMs  int64    `json:"maxExecutionTimeMs"`
	IsolatedEnvironment bool     `json:"isolatedEnvironment"`
}

// Session is the central entity: one unit of agent work bound to an issue.
type Session struct {
	ID              string          `json:"id"`
	IssueID         string          `json:"issueId"`
	IssueIdentifier string          `json:"issueIdentifier"`
	Status          Status          `json:"status"`
	BranchName      string          `json:"branchName,omitempty"`
	WorkingDir      string          `json:"workingDir"`
	StartedAt       time.Time       `json:"startedAt"`
	LastActivityAt  time.Time       `json:"lastActivityAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	ProcessID       string          `json:"processId,omitempty"`
	Error           string          `json:"error,omitempty"`
	Metadata        Metadata        `json:"metadata"`
	SecurityContext SecurityContext `json:"securityContext"`
}

// Clone returns a deep-enough copy for handing out past the manager's lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		dup.CompletedAt = &t
	}
	dup.SecurityContext.AllowedPaths = append([]string(nil), s.SecurityContext.AllowedPaths...)
	if s.Metadata.Extra != nil {
		dup.Metadata.Extra = make(map[string]string, len(s.Metadata.Extra))
		for k, v := range s.Metadata.Extra {
			dup.Metadata.Extra[k] = v
		}
	}
	return &dup
}

// NewSessionID generates a fresh opaque session identifier.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// Commit describes one commit produced during a session.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Files     []string  `json:"files"`
}

// ExecutionResult is what an executor reports back when it finishes.
type ExecutionResult struct {
	Success       bool     `json:"success"`
	Output        string   `json:"output,omitempty"`
	Error         string   `json:"error,omitempty"`
	FilesModified []string `json:"filesModified"`
	Commits       []Commit `json:"commits"`
	DurationMs    int64    `json:"durationMs"`
	ExitCode      int      `json:"exitCode"`
}

// ExecutionContext is everything an executor needs to run a session.
type ExecutionContext struct {
	Session        *Session
	Issue          *linear.Issue
	TriggerComment *linear.Comment
	WorkingDir     string
	BranchName     string
	DefaultBranch  string
	Timeout        time.Duration
	Env            map[string]string

	// OnProcess, when set, receives the executor instance identifier (pid
	// or container id) once work is underway.
	OnProcess func(processID string)
}

// Executor runs the work for a session. Execute may be long-running and
// must honor ctx cancellation; CancelSession is idempotent and causes the
// corresponding Execute to return promptly.
type Executor interface {
	Execute(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error)
	CancelSession(sessionID string) error
}

// DelegationResult is the outcome of a delegated task run.
type DelegationResult struct {
	Success       bool     `json:"success"`
	Summary       string   `json:"summary"`
	FilesModified []string `json:"filesModified"`
	Commits       []Commit `json:"commits"`
	DurationMs    int64    `json:"durationMs"`
}

// Delegator offers work to an external runner before the direct executor is
// considered. A nil result means the delegator declined; an error is treated
// the same way and never fails the session by itself.
type Delegator interface {
	HandleTask(ctx context.Context, issue *linear.Issue, comment *linear.Comment) (*DelegationResult, error)
}

// WorktreePlanner prepares an isolated working directory for a session.
type WorktreePlanner interface {
	CreateWorktree(ctx context.Context, sessionID, baseBranch, branchName string) (string, error)
	RemoveWorktree(ctx context.Context, sessionID string) error
}

// toResult converts a delegation outcome into the executor result shape so
// downstream consumers see a single format.
func (d *DelegationResult) toResult() *ExecutionResult {
	res := &ExecutionResult{
		Success:       d.Success,
		Output:        d.Summary,
		FilesModified: d.FilesModified,
		Commits:       d.Commits,
		DurationMs:    d.DurationMs,
	}
	if !d.Success {
		res.Error = d.Summary
		res.ExitCode = 1
	}
	return res
}
