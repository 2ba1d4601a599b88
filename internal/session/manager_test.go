package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	"github.com/agentbridge/agentbridge/internal/linear"
)

// fakeStore is an in-memory Store with hooks for fault injection. A real
// backend would create an import cycle here, and faults are the point.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// failUpdates makes the next N UpdateStatus calls fail.
	failUpdates int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*Session)}
}

func (f *fakeStore) Save(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s.Clone()
	return nil
}

func (f *fakeStore) Load(_ context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Clone(), nil
}

func (f *fakeStore) LoadByIssue(_ context.Context, issueID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matches []*Session
	for _, s := range f.sessions {
		if s.IssueID == issueID {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].LastActivityAt.Equal(matches[j].LastActivityAt) {
			return matches[i].LastActivityAt.After(matches[j].LastActivityAt)
		}
		return matches[i].StartedAt.After(matches[j].StartedAt)
	})
	return matches[0].Clone(), nil
}

func (f *fakeStore) List(_ context.Context) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *fakeStore) ListActive(ctx context.Context) ([]*Session, error) {
	all, _ := f.List(ctx)
	var out []*Session
	for _, s := range all {
		if s.Status.IsActive() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id string, status Status) (*Session, error) {
	if atomic.LoadInt32(&f.failUpdates) > 0 {
		atomic.AddInt32(&f.failUpdates, -1)
		return nil, errors.New("injected store failure")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	s.Status = status
	s.LastActivityAt = time.Now().UTC()
	if status.IsTerminal() && s.CompletedAt == nil {
		t := s.LastActivityAt
		s.CompletedAt = &t
	}
	return s.Clone(), nil
}

func (f *fakeStore) CleanupOldSessions(_ context.Context, maxAgeDays int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	count := 0
	for id, s := range f.sessions {
		if !s.Status.IsTerminal() {
			continue
		}
		ref := s.LastActivityAt
		if s.CompletedAt != nil {
			ref = *s.CompletedAt
		}
		if ref.Before(cutoff) {
			delete(f.sessions, id)
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) Close() error { return nil }

// fakeExecutor runs a configurable function per session.
type fakeExecutor struct {
	mu        sync.Mutex
	execFn    func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error)
	cancelled []string
	calls     int32
}

func (f *fakeExecutor) Execute(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.execFn != nil {
		return f.execFn(ctx, ec)
	}
	return &ExecutionResult{Success: true, Output: "ok", ExitCode: 0}, nil
}

func (f *fakeExecutor) CancelSession(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

type fakeDelegator struct {
	fn func(ctx context.Context, issue *linear.Issue, comment *linear.Comment) (*DelegationResult, error)
}

func (f *fakeDelegator) HandleTask(ctx context.Context, issue *linear.Issue, comment *linear.Comment) (*DelegationResult, error) {
	return f.fn(ctx, issue, comment)
}

type fakeWorktrees struct {
	createFn func(ctx context.Context, sessionID, baseBranch, branchName string) (string, error)
}

func (f *fakeWorktrees) CreateWorktree(ctx context.Context, sessionID, baseBranch, branchName string) (string, error) {
	return f.createFn(ctx, sessionID, baseBranch, branchName)
}

func (f *fakeWorktrees) RemoveWorktree(context.Context, string) error { return nil }

// eventRecorder captures published lifecycle events.
type eventRecorder struct {
	bus.EventBus
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	subject string
	event   *bus.Event
}

func (r *eventRecorder) Publish(_ context.Context, subject string, event *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{subject: subject, event: event})
	return nil
}

func (r *eventRecorder) typesFor(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		data, ok := e.event.Data.(map[string]interface{})
		if ok && data["session_id"] == sessionID {
			out = append(out, e.event.Type)
		}
	}
	return out
}

type managerFixture struct {
	manager  *Manager
	store    *fakeStore
	executor *fakeExecutor
	recorder *eventRecorder
}

func setupManager(t *testing.T, mutate func(*ManagerConfig)) *managerFixture {
	t.Helper()

	cfg := ManagerConfig{
		Timeout:       time.Minute,
		MaxConcurrent: 4,
		WorkDirBase:   t.TempDir(),
		RetryBackoff:  5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store := newFakeStore()
	exec := &fakeExecutor{}
	recorder := &eventRecorder{}
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	m := NewManager(cfg, store, exec, recorder, log)
	m.Start()
	t.Cleanup(m.Stop)

	return &managerFixture{manager: m, store: store, executor: exec, recorder: recorder}
}

func testIssue(id string) *linear.Issue {
	return &linear.Issue{
		ID:         id,
		Identifier: "DEV-42",
		Title:      "Fix the flaky login test",
		Creator:    &linear.User{ID: "user-creator"},
	}
}

func waitForStatus(t *testing.T, f *managerFixture, sessionID string, want Status) *Session {
	t.Helper()
	var got *Session
	require.Eventually(t, func() bool {
		s, err := f.store.Load(context.Background(), sessionID)
		if err != nil || s == nil {
			return false
		}
		got = s
		return s.Status == want
	}, 5*time.Second, 10*time.Millisecond, "session %s never reached %s (last: %+v)", sessionID, want, got)
	return got
}

func TestManager_CreateSession(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCreated, s.Status)
	assert.Equal(t, "iss-1", s.IssueID)
	assert.Equal(t, "user-creator", s.Metadata.CreatorID)
	assert.Equal(t, "issue", s.Metadata.TriggerEventType)
	assert.Empty(t, s.BranchName, "branches are off by default")
	assert.NotEmpty(t, s.WorkingDir)
	assert.Contains(t, s.SecurityContext.AllowedPaths, s.WorkingDir)

	assert.Equal(t, []string{events.SessionCreated}, f.recorder.typesFor(s.ID))
}

func TestManager_CreateSessionCommentTrigger(t *testing.T) {
	f := setupManager(t, nil)
	comment := &linear.Comment{ID: "cmt-1", User: &linear.User{ID: "user-commenter"}}

	s, err := f.manager.CreateSession(context.Background(), testIssue("iss-1"), comment)
	require.NoError(t, err)

	assert.Equal(t, "user-commenter", s.Metadata.CreatorID, "comment author wins over issue creator")
	assert.Equal(t, "cmt-1", s.Metadata.TriggerCommentID)
	assert.Equal(t, "comment", s.Metadata.TriggerEventType)
}

func TestManager_CreateSessionBranchName(t *testing.T) {
	f := setupManager(t, func(c *ManagerConfig) {
		c.CreateBranches = true
		c.BranchPrefix = "claude/"
	})

	s, err := f.manager.CreateSession(context.Background(), testIssue("iss-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "claude/dev-42-fix-the-flaky-login-test", s.BranchName)
}

func TestManager_CreateSessionDedup(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	first, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)

	second, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "active session must be reused")

	// A terminal session no longer blocks a new one.
	_, err = f.store.UpdateStatus(context.Background(), first.ID, StatusCompleted)
	require.NoError(t, err)

	third, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestManager_StartSessionCompletes(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))

	final := waitForStatus(t, f, s.ID, StatusCompleted)
	assert.NotNil(t, final.CompletedAt)

	assert.Equal(t,
		[]string{events.SessionCreated, events.SessionRunning, events.SessionCompleted},
		f.recorder.typesFor(s.ID))
}

func TestManager_StartSessionIdempotentWhileRunning(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	release := make(chan struct{})
	f.executor.execFn = func(ctx context.Context, _ *ExecutionContext) (*ExecutionResult, error) {
		select {
		case <-release:
			return &ExecutionResult{Success: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))
	waitForStatus(t, f, s.ID, StatusRunning)

	// Second start is absorbed without a second execution.
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))
	close(release)
	waitForStatus(t, f, s.ID, StatusCompleted)

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.executor.calls))
}

func TestManager_StartSessionNotFound(t *testing.T) {
	f := setupManager(t, nil)
	err := f.manager.StartSession(context.Background(), "sess_ghost", testIssue("iss-1"), nil)
	assert.ErrorContains(t, err, "not found")
}

func TestManager_StartSessionTerminal(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	_, err = f.store.UpdateStatus(context.Background(), s.ID, StatusCancelled)
	require.NoError(t, err)

	err = f.manager.StartSession(context.Background(), s.ID, issue, nil)
	assert.Error(t, err, "terminal sessions must not restart")
}

func TestManager_ExecutionFailure(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	f.executor.execFn = func(context.Context, *ExecutionContext) (*ExecutionResult, error) {
		return &ExecutionResult{Success: false, Error: "agent exited with code 2", ExitCode: 2}, nil
	}

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))

	final := waitForStatus(t, f, s.ID, StatusFailed)
	assert.Equal(t, "agent exited with code 2", final.Error)
	assert.Contains(t, f.recorder.typesFor(s.ID), events.SessionFailed)
}

func TestManager_ExecutorError(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	f.executor.execFn = func(context.Context, *ExecutionContext) (*ExecutionResult, error) {
		return nil, errors.New("spawn failed")
	}

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))

	final := waitForStatus(t, f, s.ID, StatusFailed)
	assert.Equal(t, "spawn failed", final.Error)
}

func TestManager_DelegationCompletes(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	f.manager.SetDelegator(&fakeDelegator{fn: func(context.Context, *linear.Issue, *linear.Comment) (*DelegationResult, error) {
		return &DelegationResult{Success: true, Summary: "delegated run finished", DurationMs: 1200}, nil
	}})

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))

	waitForStatus(t, f, s.ID, StatusCompleted)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.executor.calls),
		"direct executor must not run when delegation handled the task")
}

func TestManager_DelegationFailureIsTerminal(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	f.manager.SetDelegator(&fakeDelegator{fn: func(context.Context, *linear.Issue, *linear.Comment) (*DelegationResult, error) {
		return &DelegationResult{Success: false, Summary: "runner crashed"}, nil
	}})

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))

	final := waitForStatus(t, f, s.ID, StatusFailed)
	assert.Equal(t, "runner crashed", final.Error)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.executor.calls))
}

func TestManager_DelegationDeclineFallsThrough(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	f.manager.SetDelegator(&fakeDelegator{fn: func(context.Context, *linear.Issue, *linear.Comment) (*DelegationResult, error) {
		return nil, nil
	}})

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))

	waitForStatus(t, f, s.ID, StatusCompleted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.executor.calls))
}

func TestManager_DelegationErrorFallsThrough(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	f.manager.SetDelegator(&fakeDelegator{fn: func(context.Context, *linear.Issue, *linear.Comment) (*DelegationResult, error) {
		return nil, errors.New("boss unreachable")
	}})

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))

	waitForStatus(t, f, s.ID, StatusCompleted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.executor.calls),
		"a delegation error must not fail the session")
}

func TestManager_WorktreeFailureFailsSession(t *testing.T) {
	f := setupManager(t, func(c *ManagerConfig) {
		c.CreateBranches = true
		c.BranchPrefix = "claude/"
	})
	issue := testIssue("iss-1")

	f.manager.SetWorktreePlanner(&fakeWorktrees{createFn: func(context.Context, string, string, string) (string, error) {
		return "", errors.New("base branch missing")
	}})

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))

	final := waitForStatus(t, f, s.ID, StatusFailed)
	assert.Contains(t, final.Error, "worktree setup failed")
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.executor.calls))
}

func TestManager_WorktreePathReplacesWorkingDir(t *testing.T) {
	f := setupManager(t, func(c *ManagerConfig) {
		c.CreateBranches = true
		c.BranchPrefix = "claude/"
	})
	issue := testIssue("iss-1")

	worktreePath := t.TempDir()
	f.manager.SetWorktreePlanner(&fakeWorktrees{createFn: func(context.Context, string, string, string) (string, error) {
		return worktreePath, nil
	}})

	var execDir string
	f.executor.execFn = func(_ context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		execDir = ec.WorkingDir
		return &ExecutionResult{Success: true}, nil
	}

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))

	final := waitForStatus(t, f, s.ID, StatusCompleted)
	assert.Equal(t, worktreePath, execDir)
	assert.Equal(t, worktreePath, final.WorkingDir)
}

func TestManager_CancelRunningSession(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	started := make(chan struct{})
	f.executor.execFn = func(ctx context.Context, _ *ExecutionContext) (*ExecutionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))
	<-started

	require.NoError(t, f.manager.CancelSession(context.Background(), s.ID))

	final := waitForStatus(t, f, s.ID, StatusCancelled)
	assert.NotNil(t, final.CompletedAt)
	assert.Contains(t, f.executor.cancelled, s.ID)
	assert.Contains(t, f.recorder.typesFor(s.ID), events.SessionCancelled)
}

func TestManager_CancelTerminalIsNoOp(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))
	waitForStatus(t, f, s.ID, StatusCompleted)

	before := len(f.recorder.typesFor(s.ID))
	require.NoError(t, f.manager.CancelSession(context.Background(), s.ID))

	final, err := f.store.Load(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status, "cancel must not overwrite a terminal status")
	assert.Len(t, f.recorder.typesFor(s.ID), before, "cancel of a terminal session emits nothing")
}

func TestManager_CancelUnknownSession(t *testing.T) {
	f := setupManager(t, nil)
	err := f.manager.CancelSession(context.Background(), "sess_ghost")
	assert.ErrorContains(t, err, "not found")
}

func TestManager_TimeoutCancels(t *testing.T) {
	f := setupManager(t, func(c *ManagerConfig) {
		c.Timeout = 100 * time.Millisecond
	})
	issue := testIssue("iss-1")

	f.executor.execFn = func(ctx context.Context, _ *ExecutionContext) (*ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))

	final := waitForStatus(t, f, s.ID, StatusCancelled)
	assert.Equal(t, StatusCancelled, final.Status, "timeouts cancel, they do not fail")
	assert.Contains(t, f.executor.cancelled, s.ID)
}

func TestManager_ExactlyOneTerminalEvent(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	started := make(chan struct{})
	f.executor.execFn = func(ctx context.Context, _ *ExecutionContext) (*ExecutionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.manager.CancelSession(context.Background(), s.ID)
		}()
	}
	wg.Wait()
	waitForStatus(t, f, s.ID, StatusCancelled)

	terminal := 0
	for _, typ := range f.recorder.typesFor(s.ID) {
		switch typ {
		case events.SessionCompleted, events.SessionFailed, events.SessionCancelled:
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal event per session")
}

func TestManager_ConcurrencyCapAndFIFO(t *testing.T) {
	f := setupManager(t, func(c *ManagerConfig) {
		c.MaxConcurrent = 1
	})

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	f.executor.execFn = func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		mu.Lock()
		order = append(order, ec.Issue.ID)
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &ExecutionResult{Success: true}, nil
	}

	var ids []string
	for i := 0; i < 3; i++ {
		issue := testIssue(fmt.Sprintf("iss-%d", i))
		s, err := f.manager.CreateSession(context.Background(), issue, nil)
		require.NoError(t, err)
		require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))
		ids = append(ids, s.ID)
	}

	// Only the first session may be executing; the rest wait their turn.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.executor.calls))

	close(release)
	for _, id := range ids {
		waitForStatus(t, f, id, StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"iss-0", "iss-1", "iss-2"}, order, "admission is FIFO")
}

func TestManager_CancelWhileQueued(t *testing.T) {
	f := setupManager(t, func(c *ManagerConfig) {
		c.MaxConcurrent = 1
	})

	release := make(chan struct{})
	f.executor.execFn = func(ctx context.Context, _ *ExecutionContext) (*ExecutionResult, error) {
		select {
		case <-release:
			return &ExecutionResult{Success: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	blocker := testIssue("iss-blocker")
	sb, err := f.manager.CreateSession(context.Background(), blocker, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), sb.ID, blocker, nil))

	queuedIssue := testIssue("iss-queued")
	sq, err := f.manager.CreateSession(context.Background(), queuedIssue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), sq.ID, queuedIssue, nil))

	require.NoError(t, f.manager.CancelSession(context.Background(), sq.ID))
	waitForStatus(t, f, sq.ID, StatusCancelled)

	close(release)
	waitForStatus(t, f, sb.ID, StatusCompleted)

	// The cancelled session never reached the executor.
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.executor.calls))
}

func TestManager_StatusRetrySucceeds(t *testing.T) {
	f := setupManager(t, nil)
	issue := testIssue("iss-1")

	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)

	atomic.StoreInt32(&f.store.failUpdates, 1)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil),
		"a single store hiccup is absorbed by the retry")

	waitForStatus(t, f, s.ID, StatusCompleted)
}

func TestManager_GetStats(t *testing.T) {
	f := setupManager(t, nil)

	release := make(chan struct{})
	f.executor.execFn = func(ctx context.Context, _ *ExecutionContext) (*ExecutionResult, error) {
		select {
		case <-release:
			return &ExecutionResult{Success: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer close(release)

	issue := testIssue("iss-1")
	s, err := f.manager.CreateSession(context.Background(), issue, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartSession(context.Background(), s.ID, issue, nil))
	waitForStatus(t, f, s.ID, StatusRunning)

	_, err = f.manager.CreateSession(context.Background(), testIssue("iss-2"), nil)
	require.NoError(t, err)

	stats, err := f.manager.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.ByStatus["RUNNING"])
	assert.Equal(t, 1, stats.ByStatus["CREATED"])
}
