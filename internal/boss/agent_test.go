package boss

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/linear"
	"github.com/agentbridge/agentbridge/internal/session"
)

type fakeRunner struct {
	createFn func(ctx context.Context, prompt string, taskCtx TaskContext) (*TaskHandle, error)
	getFn    func(ctx context.Context, taskID string) (*TaskStatus, error)

	mu        sync.Mutex
	cancelled []string
	creates   int32
}

func (f *fakeRunner) CreateTask(ctx context.Context, prompt string, taskCtx TaskContext) (*TaskHandle, error) {
	atomic.AddInt32(&f.creates, 1)
	if f.createFn != nil {
		return f.createFn(ctx, prompt, taskCtx)
	}
	return &TaskHandle{TaskID: "task-1"}, nil
}

func (f *fakeRunner) CancelTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeRunner) GetTask(ctx context.Context, taskID string) (*TaskStatus, error) {
	if f.getFn != nil {
		return f.getFn(ctx, taskID)
	}
	return &TaskStatus{TaskID: taskID, Status: "running"}, nil
}

type fakeCommenter struct {
	mu       sync.Mutex
	comments []string
}

func (f *fakeCommenter) CreateComment(_ context.Context, _ string, body, _ string) (*linear.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return &linear.Comment{ID: "c-new"}, nil
}

func (f *fakeCommenter) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func testAgentConfig() config.BossConfig {
	return config.BossConfig{
		Enabled:              true,
		Threshold:            6,
		TaskTypes:            []string{"feature", "refactor", "perf", "bug_fix"},
		CodegenWebhookSecret: "runner-secret",
	}
}

// complexIssue clears the default threshold: feature type, three keyword
// clusters on top of the base score.
func complexIssue() *linear.Issue {
	return &linear.Issue{
		ID:          "iss-1",
		Identifier:  "DEV-9",
		Title:       "Implement oauth token refresh",
		Description: "Needs a schema migration and has concurrency concerns around the token cache.",
		Labels:      []linear.Label{{Name: "feature"}},
	}
}

func simpleIssue() *linear.Issue {
	return &linear.Issue{
		ID:         "iss-2",
		Identifier: "DEV-10",
		Title:      "Add a tooltip",
		Labels:     []linear.Label{{Name: "feature"}},
	}
}

func setupAgent(runner *fakeRunner, tracker *fakeCommenter) *Agent {
	var commenter Commenter
	if tracker != nil {
		commenter = tracker
	}
	a := NewAgent(testAgentConfig(), runner, commenter, nil, testLogger())
	a.progressWaitOverride = time.Hour // callbacks only, unless a test lowers it
	return a
}

func signCallback(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, a *Agent, event RunnerEvent) {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, a.HandleCallback(raw, signCallback("runner-secret", raw)))
}

func TestAgent_DeclinesSimpleTask(t *testing.T) {
	runner := &fakeRunner{}
	a := setupAgent(runner, nil)

	result, err := a.HandleTask(context.Background(), simpleIssue(), nil)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Zero(t, atomic.LoadInt32(&runner.creates), "declined tasks never reach the runner")
}

func TestAgent_DeclinesNonWhitelistedType(t *testing.T) {
	runner := &fakeRunner{}
	a := NewAgent(config.BossConfig{Threshold: 1, TaskTypes: []string{"perf"}}, runner, nil, nil, testLogger())

	result, err := a.HandleTask(context.Background(), complexIssue(), nil)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Zero(t, atomic.LoadInt32(&runner.creates))
}

func TestAgent_RunnerErrorIsDecline(t *testing.T) {
	runner := &fakeRunner{
		createFn: func(context.Context, string, TaskContext) (*TaskHandle, error) {
			return nil, errors.New("runner unavailable")
		},
	}
	a := setupAgent(runner, nil)

	result, err := a.HandleTask(context.Background(), complexIssue(), nil)
	require.NoError(t, err, "runner failures decline, they do not error")
	assert.Nil(t, result)
}

func TestAgent_DelegatesAndCompletes(t *testing.T) {
	runner := &fakeRunner{}
	tracker := &fakeCommenter{}
	a := setupAgent(runner, tracker)

	done := make(chan struct{})
	var result *sessionResult
	go func() {
		defer close(done)
		r, err := a.HandleTask(context.Background(), complexIssue(), &linear.Comment{Body: "@claude implement this"})
		result = &sessionResult{r: r, err: err}
	}()

	waitForTask(t, a, "iss-1")
	deliver(t, a, RunnerEvent{TaskID: "task-1", Event: EventTaskProgress, Progress: 30})
	deliver(t, a, RunnerEvent{TaskID: "task-1", Event: EventTaskCompleted, Result: &TaskResult{
		Success:       true,
		Summary:       "implemented token refresh",
		FilesModified: []string{"auth/refresh.go"},
		DurationMs:    4200,
	}})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleTask did not return after terminal callback")
	}

	require.NoError(t, result.err)
	require.NotNil(t, result.r)
	assert.True(t, result.r.Success)
	assert.Equal(t, "implemented token refresh", result.r.Summary)
	assert.Equal(t, []string{"auth/refresh.go"}, result.r.FilesModified)
	assert.Equal(t, int64(4200), result.r.DurationMs)

	// Mapping is cleared once the task finishes.
	_, ok := a.TaskForIssue("iss-1")
	assert.False(t, ok)

	bodies := tracker.bodies()
	require.NotEmpty(t, bodies)
	assert.Contains(t, bodies[0], "Delegated to the task runner")
	assert.Contains(t, bodies[len(bodies)-1], "Task completed")
}

func TestAgent_FailureResult(t *testing.T) {
	runner := &fakeRunner{}
	a := setupAgent(runner, nil)

	done := make(chan *sessionResult, 1)
	go func() {
		r, err := a.HandleTask(context.Background(), complexIssue(), nil)
		done <- &sessionResult{r: r, err: err}
	}()

	waitForTask(t, a, "iss-1")
	deliver(t, a, RunnerEvent{TaskID: "task-1", Event: EventTaskFailed, Result: &TaskResult{
		Success: false,
		Summary: "tests kept failing",
	}})

	result := <-done
	require.NoError(t, result.err)
	require.NotNil(t, result.r)
	assert.False(t, result.r.Success)
	assert.Equal(t, "tests kept failing", result.r.Summary)
}

func TestAgent_ProgressCrossings(t *testing.T) {
	runner := &fakeRunner{}
	tracker := &fakeCommenter{}
	a := setupAgent(runner, tracker)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.HandleTask(context.Background(), complexIssue(), nil)
	}()

	waitForTask(t, a, "iss-1")
	// 10 crosses nothing; 30 crosses 25; 80 crosses 50 and 75; a repeat at
	// 80 adds nothing.
	for _, p := range []int{10, 30, 80, 80} {
		deliver(t, a, RunnerEvent{TaskID: "task-1", Event: EventTaskProgress, Progress: p})
	}
	deliver(t, a, RunnerEvent{TaskID: "task-1", Event: EventTaskCompleted})
	<-done

	var progress []string
	for _, b := range tracker.bodies() {
		if strings.HasPrefix(b, "Task progress") {
			progress = append(progress, b)
		}
	}
	assert.Equal(t, []string{
		"Task progress: 25%",
		"Task progress: 50%",
		"Task progress: 75%",
	}, progress)
}

func TestAgent_ContextCancellationCancelsTask(t *testing.T) {
	runner := &fakeRunner{}
	a := setupAgent(runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *sessionResult, 1)
	go func() {
		r, err := a.HandleTask(ctx, complexIssue(), nil)
		done <- &sessionResult{r: r, err: err}
	}()

	waitForTask(t, a, "iss-1")
	cancel()

	result := <-done
	assert.ErrorIs(t, result.err, context.Canceled)
	assert.Nil(t, result.r)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"task-1"}, runner.cancelled)
}

func TestAgent_PollFallback(t *testing.T) {
	var polls int32
	runner := &fakeRunner{
		getFn: func(_ context.Context, taskID string) (*TaskStatus, error) {
			if atomic.AddInt32(&polls, 1) >= 2 {
				return &TaskStatus{TaskID: taskID, Status: "completed", Result: &TaskResult{
					Success: true,
					Summary: "done via poll",
				}}, nil
			}
			return &TaskStatus{TaskID: taskID, Status: "running", Progress: 40}, nil
		},
	}
	a := setupAgent(runner, nil)
	a.progressWaitOverride = 20 * time.Millisecond
	a.pollIntervalOverride = 10 * time.Millisecond

	result, err := a.HandleTask(context.Background(), complexIssue(), nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "done via poll", result.Summary)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(2))
}

func TestAgent_CallbackSignature(t *testing.T) {
	a := setupAgent(&fakeRunner{}, nil)
	body := []byte(`{"taskId":"task-1","event":"task.progress","progress":50}`)

	assert.ErrorIs(t, a.HandleCallback(body, "bogus"), ErrInvalidCallback)
	assert.NoError(t, a.HandleCallback(body, signCallback("runner-secret", body)),
		"valid signature for an unknown task is accepted and dropped")
}

func TestAgent_CallbackMalformed(t *testing.T) {
	a := NewAgent(config.BossConfig{}, &fakeRunner{}, nil, nil, testLogger())
	assert.Error(t, a.HandleCallback([]byte("{broken"), ""))
	assert.Error(t, a.HandleCallback([]byte(`{"event":"task.progress"}`), ""), "missing task id")
}

type sessionResult struct {
	r   *session.DelegationResult
	err error
}

func waitForTask(t *testing.T, a *Agent, issueID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := a.TaskForIssue(issueID)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
}
