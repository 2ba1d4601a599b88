package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	"github.com/agentbridge/agentbridge/internal/linear"
	"github.com/agentbridge/agentbridge/internal/session/queue"
	"github.com/agentbridge/agentbridge/internal/worktree"
)

// admissionBound caps how many sessions may wait behind the concurrency
// gate. Generous: hitting it means something upstream is stuck.
const admissionBound = 1024

// ManagerConfig holds the session lifecycle knobs.
type ManagerConfig struct {
	TenantID          string        // stamped into session metadata
	Timeout           time.Duration // per-session timeout, replaced on every start
	MaxConcurrent     int           // parallel session cap; FIFO admission above it
	CreateBranches    bool
	DefaultBranch     string
	BranchPrefix      string
	WorkDirBase       string // working directories for sessions without a worktree
	CleanupMaxAgeDays int
	CleanupInterval   time.Duration

	// DefaultMaxMemoryMB and DefaultMaxExecutionTime seed each session's
	// security context.
	DefaultMaxMemoryMB      int
	DefaultMaxExecutionTime time.Duration

	// RetryBackoff is the pause before the single retry of a failed status
	// write. Shortened in tests.
	RetryBackoff time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
	if c.CleanupMaxAgeDays <= 0 {
		c.CleanupMaxAgeDays = 7
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.DefaultMaxMemoryMB <= 0 {
		c.DefaultMaxMemoryMB = 2048
	}
	if c.DefaultMaxExecutionTime <= 0 {
		c.DefaultMaxExecutionTime = c.Timeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
}

// runtime is the in-memory state the manager keeps per session while it is
// live: the trigger context, the timeout handle, the executor cancel, and
// the terminal guard that makes the terminal event exactly-once.
type runtime struct {
	issue    *linear.Issue
	comment  *linear.Comment
	timer    *time.Timer
	cancel   context.CancelFunc
	terminal bool
}

// Manager owns the per-issue session state machine: dedup, start, timeout,
// cancellation, and event emission. It is safe for concurrent use.
type Manager struct {
	cfg      ManagerConfig
	store    Store
	executor Executor
	eventBus bus.EventBus
	logger   *logger.Logger

	// Optional collaborators, injected via setters.
	delegator Delegator
	worktrees WorktreePlanner

	mu       sync.Mutex
	runtimes map[string]*runtime

	admission *queue.Queue
	sem       *semaphore.Weighted
	wake      chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig, store Store, exec Executor, eventBus bus.EventBus, log *logger.Logger) *Manager {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		store:     store,
		executor:  exec,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "session-manager")),
		runtimes:  make(map[string]*runtime),
		admission: queue.New(admissionBound),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:      make(chan struct{}, 1),
		runCtx:    runCtx,
		runCancel: runCancel,
		stopCh:    make(chan struct{}),
	}
}

// SetDelegator enables the boss-agent delegation path.
func (m *Manager) SetDelegator(d Delegator) {
	m.delegator = d
}

// SetWorktreePlanner enables isolated worktrees for sessions with a branch.
func (m *Manager) SetWorktreePlanner(w WorktreePlanner) {
	m.worktrees = w
}

// Start launches the dispatcher and the periodic cleanup loop.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.dispatchLoop()
	go m.cleanupLoop()
	m.logger.Info("session manager started",
		zap.Int("max_concurrent", m.cfg.MaxConcurrent),
		zap.Duration("session_timeout", m.cfg.Timeout))
}

// Stop halts the dispatcher, cancels in-flight executors, and waits for
// session goroutines to drain.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.runCancel()

		m.mu.Lock()
		for _, rt := range m.runtimes {
			if rt.timer != nil {
				rt.timer.Stop()
			}
			if rt.cancel != nil {
				rt.cancel()
			}
		}
		m.mu.Unlock()

		m.wg.Wait()
		m.logger.Info("session manager stopped")
	})
}

// CreateSession returns the active session for the issue if one exists,
// otherwise creates a new one. Dedup is linearizable: the manager lock
// serializes LoadByIssue with the subsequent save.
func (m *Manager) CreateSession(ctx context.Context, issue *linear.Issue, triggerComment *linear.Comment) (*Session, error) {
	if issue == nil || issue.ID == "" {
		return nil, fmt.Errorf("issue is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.LoadByIssue(ctx, issue.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing session: %w", err)
	}
	if existing != nil && existing.Status.IsActive() {
		m.logger.Info("reusing active session for issue",
			zap.String("session_id", existing.ID),
			zap.String("issue_id", issue.ID))
		return existing, nil
	}

	now := time.Now().UTC()
	s := &Session{
		ID:              NewSessionID(),
		IssueID:         issue.ID,
		IssueIdentifier: issue.Identifier,
		Status:          StatusCreated,
		StartedAt:       now,
		LastActivityAt:  now,
		Metadata: Metadata{
			CreatorID:        m.resolveCreator(issue, triggerComment),
			TenantID:         m.cfg.TenantID,
			IssueTitle:       issue.Title,
			TriggerEventType: "issue",
		},
	}
	if triggerComment != nil {
		s.Metadata.TriggerCommentID = triggerComment.ID
		s.Metadata.TriggerEventType = "comment"
	}
	s.WorkingDir = filepath.Join(m.cfg.WorkDirBase, s.ID)
	s.SecurityContext = SecurityContext{
		AllowedPaths:       []string{s.WorkingDir},
		MaxMemoryMB:        m.cfg.DefaultMaxMemoryMB,
		MaxExecutionTimeMs: m.cfg.DefaultMaxExecutionTime.Milliseconds(),
	}
	if m.cfg.CreateBranches {
		s.BranchName = worktree.BranchName(m.cfg.BranchPrefix, issue.Identifier, issue.Title)
	}

	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("issue_id", issue.ID),
		zap.String("branch_name", s.BranchName))
	m.publishEvent(ctx, events.SessionCreated, s, nil, "")

	return s.Clone(), nil
}

// resolveCreator prefers the comment author, then the issue creator.
func (m *Manager) resolveCreator(issue *linear.Issue, comment *linear.Comment) string {
	if comment != nil && comment.User != nil && comment.User.ID != "" {
		return comment.User.ID
	}
	if issue.Creator != nil && issue.Creator.ID != "" {
		return issue.Creator.ID
	}
	return "unknown"
}

// StartSession transitions a session to RUNNING, arms its timeout, and hands
// it to the dispatcher. Idempotent for sessions already RUNNING.
func (m *Manager) StartSession(ctx context.Context, sessionID string, issue *linear.Issue, triggerComment *linear.Comment) error {
	s, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if s == nil {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if s.Status == StatusRunning {
		m.logger.Warn("session already running, ignoring start",
			zap.String("session_id", sessionID))
		return nil
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("session %s is already %s", sessionID, s.Status)
	}

	s, err = m.updateStatusWithRetry(ctx, sessionID, StatusRunning)
	if err != nil {
		return err
	}

	m.mu.Lock()
	rt := m.ensureRuntimeLocked(sessionID)
	rt.issue = issue
	rt.comment = triggerComment
	// Replace, never stack.
	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.timer = time.AfterFunc(m.cfg.Timeout, func() { m.onTimeout(sessionID) })
	m.mu.Unlock()

	m.publishEvent(ctx, events.SessionRunning, s, nil, "")

	if err := m.admission.Enqueue(sessionID); err != nil {
		m.logger.Error("failed to enqueue session", zap.String("session_id", sessionID), zap.Error(err))
		m.finish(context.WithoutCancel(ctx), sessionID, StatusFailed, nil, "admission queue rejected session: "+err.Error())
		return err
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("issue_id", s.IssueID))
	return nil
}

// CancelSession stops a session: the executor is told to cancel, the status
// becomes CANCELLED, and the timeout is cleared. Safe to call on terminal
// sessions; those keep their status and emit nothing.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) error {
	s, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if s == nil {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	// Always forwarded; the executor treats unknown sessions as a no-op.
	if err := m.executor.CancelSession(sessionID); err != nil {
		m.logger.Warn("executor cancel failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	if s.Status.IsTerminal() {
		m.logger.Debug("cancel of terminal session is a no-op",
			zap.String("session_id", sessionID),
			zap.String("status", string(s.Status)))
		return nil
	}

	m.admission.Remove(sessionID)
	m.finish(ctx, sessionID, StatusCancelled, nil, "")
	return nil
}

// onTimeout fires when a session exceeds its deadline. Timeouts on terminal
// sessions are silent no-ops; live ones are cancelled.
func (m *Manager) onTimeout(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := m.store.Load(ctx, sessionID)
	if err != nil || s == nil || s.Status.IsTerminal() {
		return
	}

	m.logger.Warn("session timed out, cancelling",
		zap.String("session_id", sessionID),
		zap.Duration("timeout", m.cfg.Timeout))
	if err := m.CancelSession(ctx, sessionID); err != nil {
		m.logger.Error("failed to cancel timed-out session",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// dispatchLoop drains the admission queue, gating on the concurrency
// semaphore. A single dispatcher keeps admission strictly FIFO.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.wake:
		}

		for {
			sessionID := m.admission.Dequeue()
			if sessionID == "" {
				break
			}
			if err := m.sem.Acquire(m.runCtx, 1); err != nil {
				return
			}

			m.wg.Add(1)
			go func(id string) {
				defer m.wg.Done()
				defer m.sem.Release(1)
				m.runSession(id)
			}(sessionID)
		}
	}
}

// cleanupLoop periodically purges old terminal sessions and their runtime
// stubs.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		count, err := m.CleanupOldSessions(ctx, m.cfg.CleanupMaxAgeDays)
		cancel()
		if err != nil {
			m.logger.Error("session cleanup failed", zap.Error(err))
		} else if count > 0 {
			m.logger.Info("purged old sessions", zap.Int("count", count))
		}

		m.mu.Lock()
		for id, rt := range m.runtimes {
			if rt.terminal {
				delete(m.runtimes, id)
			}
		}
		m.mu.Unlock()
	}
}

// runSession executes one admitted session: the delegation path first when a
// delegator is present, then the direct executor.
func (m *Manager) runSession(sessionID string) {
	s, err := m.store.Load(m.runCtx, sessionID)
	if err != nil {
		m.logger.Error("failed to load admitted session",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	// Cancelled (or timed out) while waiting for a slot.
	if s == nil || s.Status != StatusRunning {
		return
	}

	execCtx, cancel := context.WithCancel(m.runCtx)
	defer cancel()

	m.mu.Lock()
	rt := m.ensureRuntimeLocked(sessionID)
	if rt.terminal {
		m.mu.Unlock()
		return
	}
	issue, comment := rt.issue, rt.comment
	rt.cancel = cancel
	m.mu.Unlock()

	if issue == nil {
		m.finish(m.runCtx, sessionID, StatusFailed, nil, "session has no trigger context")
		return
	}

	// Delegation-first path. A nil result or an error means declined; the
	// boss agent never fails a session by itself.
	if m.delegator != nil {
		delegated, derr := m.delegator.HandleTask(execCtx, issue, comment)
		if derr != nil {
			m.logger.Warn("delegation failed, falling through to direct executor",
				zap.String("session_id", sessionID), zap.Error(derr))
		}
		if delegated != nil {
			result := delegated.toResult()
			if delegated.Success {
				m.finish(m.runCtx, sessionID, StatusCompleted, result, "")
			} else {
				m.finish(m.runCtx, sessionID, StatusFailed, result, delegated.Summary)
			}
			return
		}
	}

	// Direct-executor path.
	workingDir, err := m.prepareWorkingDir(execCtx, s)
	if err != nil {
		m.logger.Error("failed to prepare working directory",
			zap.String("session_id", sessionID), zap.Error(err))
		m.finish(m.runCtx, sessionID, StatusFailed, nil, "worktree setup failed: "+err.Error())
		return
	}
	s.WorkingDir = workingDir

	ec := &ExecutionContext{
		Session:        s,
		Issue:          issue,
		TriggerComment: comment,
		WorkingDir:     workingDir,
		BranchName:     s.BranchName,
		DefaultBranch:  m.cfg.DefaultBranch,
		Timeout:        m.cfg.Timeout,
		OnProcess: func(processID string) {
			m.recordProcess(sessionID, processID)
		},
	}

	result, err := m.executor.Execute(execCtx, ec)
	switch {
	case execCtx.Err() != nil:
		// Cancellation or timeout already produced the terminal event.
		return
	case err != nil:
		m.finish(m.runCtx, sessionID, StatusFailed, nil, err.Error())
	case result.Success:
		m.finish(m.runCtx, sessionID, StatusCompleted, result, "")
	default:
		errMsg := result.Error
		if errMsg == "" {
			errMsg = "execution failed"
		}
		m.finish(m.runCtx, sessionID, StatusFailed, result, errMsg)
	}
}

// prepareWorkingDir creates the session worktree when branch isolation is
// on, or the plain working directory otherwise. A worktree path replaces the
// session's working directory and is persisted.
func (m *Manager) prepareWorkingDir(ctx context.Context, s *Session) (string, error) {
	if s.BranchName != "" && m.worktrees != nil {
		path, err := m.worktrees.CreateWorktree(ctx, s.ID, m.cfg.DefaultBranch, s.BranchName)
		if err != nil {
			return "", err
		}
		if path != s.WorkingDir {
			s.WorkingDir = path
			s.SecurityContext.AllowedPaths = append(s.SecurityContext.AllowedPaths, path)
			if err := m.store.Save(ctx, s); err != nil {
				m.logger.Warn("failed to persist worktree path",
					zap.String("session_id", s.ID), zap.Error(err))
			}
		}
		return path, nil
	}

	if err := os.MkdirAll(s.WorkingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}
	return s.WorkingDir, nil
}

// recordProcess persists the executor instance id on the session.
func (m *Manager) recordProcess(sessionID, processID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := m.store.Load(ctx, sessionID)
	if err != nil || s == nil {
		return
	}
	s.ProcessID = processID
	if err := m.store.Save(ctx, s); err != nil {
		m.logger.Warn("failed to persist process id",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// finish performs the terminal transition for a session exactly once:
// status write (with one retry), timeout teardown, executor cancel, event
// emission. Later callers for the same session are no-ops.
func (m *Manager) finish(ctx context.Context, sessionID string, status Status, result *ExecutionResult, errMsg string) {
	m.mu.Lock()
	rt := m.ensureRuntimeLocked(sessionID)
	if rt.terminal {
		m.mu.Unlock()
		return
	}
	rt.terminal = true
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	m.mu.Unlock()

	s, err := m.updateStatusWithRetry(ctx, sessionID, status)
	if err != nil {
		m.logger.Error("terminal status write failed",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	if errMsg != "" {
		s.Error = errMsg
		if err := m.store.Save(ctx, s); err != nil {
			m.logger.Warn("failed to persist session error",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	var eventType string
	switch status {
	case StatusCompleted:
		eventType = events.SessionCompleted
	case StatusFailed:
		eventType = events.SessionFailed
	case StatusCancelled:
		eventType = events.SessionCancelled
	default:
		m.logger.Error("finish called with non-terminal status",
			zap.String("status", string(status)))
		return
	}

	m.logger.Info("session finished",
		zap.String("session_id", sessionID),
		zap.String("status", string(status)),
		zap.String("error", errMsg))
	m.publishEvent(ctx, eventType, s, result, errMsg)
}

// updateStatusWithRetry writes a status transition, retrying once after a
// backoff. Store hiccups should not strand a session mid-transition.
func (m *Manager) updateStatusWithRetry(ctx context.Context, sessionID string, status Status) (*Session, error) {
	s, err := m.store.UpdateStatus(ctx, sessionID, status)
	if err == nil {
		return s, nil
	}

	m.logger.Warn("status update failed, retrying",
		zap.String("session_id", sessionID),
		zap.String("status", string(status)),
		zap.Error(err))

	select {
	case <-time.After(m.cfg.RetryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s, err = m.store.UpdateStatus(ctx, sessionID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to update session status after retry: %w", err)
	}
	return s, nil
}

// ensureRuntimeLocked returns the runtime entry for a session, creating it
// if needed. Callers must hold m.mu.
func (m *Manager) ensureRuntimeLocked(sessionID string) *runtime {
	rt, ok := m.runtimes[sessionID]
	if !ok {
		rt = &runtime{}
		m.runtimes[sessionID] = rt
	}
	return rt
}

// publishEvent emits a session lifecycle event on the bus. Best-effort:
// a publish failure is logged, never propagated.
func (m *Manager) publishEvent(ctx context.Context, eventType string, s *Session, result *ExecutionResult, errMsg string) {
	if m.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"session_id":       s.ID,
		"issue_id":         s.IssueID,
		"issue_identifier": s.IssueIdentifier,
		"status":           string(s.Status),
		"branch_name":      s.BranchName,
		"working_dir":      s.WorkingDir,
		"started_at":       s.StartedAt,
	}
	if s.CompletedAt != nil {
		data["completed_at"] = *s.CompletedAt
	}
	if result != nil {
		data["result"] = result
	}
	if errMsg != "" {
		data["error"] = errMsg
	}

	event := bus.NewEvent(eventType, "session-manager", data)
	subject := events.BuildSessionSubject(eventType, s.ID)
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.Error("failed to publish session event",
			zap.String("event_type", eventType),
			zap.String("session_id", s.ID),
			zap.Error(err))
	}
}

// GetSession returns a session by id, or nil.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Load(ctx, sessionID)
}

// GetSessionByIssue returns the most recently active session for an issue,
// or nil.
func (m *Manager) GetSessionByIssue(ctx context.Context, issueID string) (*Session, error) {
	return m.store.LoadByIssue(ctx, issueID)
}

// ListSessions returns all sessions.
func (m *Manager) ListSessions(ctx context.Context) ([]*Session, error) {
	return m.store.List(ctx)
}

// ListActiveSessions returns sessions in CREATED or RUNNING.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	return m.store.ListActive(ctx)
}

// CleanupOldSessions purges terminal sessions older than maxAgeDays.
func (m *Manager) CleanupOldSessions(ctx context.Context, maxAgeDays int) (int, error) {
	return m.store.CleanupOldSessions(ctx, maxAgeDays)
}

// Stats aggregates session counts per status plus queue depth.
type Stats struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	Queued   int            `json:"queued"`
	ByStatus map[string]int `json:"byStatus"`
}

// GetStats returns aggregate counts over the store.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Total:    len(sessions),
		Queued:   m.admission.Len(),
		ByStatus: make(map[string]int),
	}
	for _, s := range sessions {
		stats.ByStatus[string(s.Status)]++
		if s.Status.IsActive() {
			stats.Active++
		}
	}
	return stats, nil
}
