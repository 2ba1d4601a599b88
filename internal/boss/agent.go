package boss

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	"github.com/agentbridge/agentbridge/internal/linear"
	"github.com/agentbridge/agentbridge/internal/session"
)

// ErrInvalidCallback means a progress callback failed signature
// verification. The HTTP layer maps it to 401.
var ErrInvalidCallback = errors.New("invalid runner callback signature")

// progressCrossings are the only progress values reported outward.
var progressCrossings = []int{25, 50, 75, 100}

// Commenter is the slice of the tracker client the agent reports through.
type Commenter interface {
	CreateComment(ctx context.Context, issueID, body, parentID string) (*linear.Comment, error)
}

// Agent is the delegation front-end. It implements session.Delegator: a nil
// result declines the task and the session manager falls through to the
// direct executor. No internal failure of the agent ever fails a session.
type Agent struct {
	cfg     config.BossConfig
	runner  Runner
	tracker Commenter
	bus     bus.EventBus
	logger  *logger.Logger

	mu      sync.Mutex
	byTask  map[string]*delegatedTask
	byIssue map[string]string // issueID -> taskID

	// Shortened in tests.
	progressWaitOverride time.Duration
	pollIntervalOverride time.Duration
}

var _ session.Delegator = (*Agent)(nil)

// delegatedTask is the in-flight state for one delegated task.
type delegatedTask struct {
	taskID  string
	issueID string
	events  chan *RunnerEvent
}

// NewAgent creates a boss agent. tracker and eventBus may be nil; reporting
// then degrades to logs.
func NewAgent(cfg config.BossConfig, runner Runner, tracker Commenter, eventBus bus.EventBus, log *logger.Logger) *Agent {
	if log == nil {
		log = logger.Default()
	}
	return &Agent{
		cfg:     cfg,
		runner:  runner,
		tracker: tracker,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "boss-agent")),
		byTask:  make(map[string]*delegatedTask),
		byIssue: make(map[string]string),
	}
}

// HandleTask classifies the work and, when it clears the delegation bar,
// hands it to the runner and blocks until a terminal outcome. Returns
// (nil, nil) to decline; errors are reserved for ctx cancellation.
func (a *Agent) HandleTask(ctx context.Context, issue *linear.Issue, comment *linear.Comment) (*session.DelegationResult, error) {
	if a.runner == nil {
		return nil, nil
	}

	classification := Classify(issue, comment)
	decision := Decide(classification, a.cfg.Threshold, a.cfg.TaskTypes)

	a.publish(ctx, events.DelegationRequested, issue.ID, map[string]interface{}{
		"issue_id":   issue.ID,
		"task_type":  string(classification.TaskType),
		"complexity": classification.Complexity,
		"priority":   string(classification.Priority),
		"delegate":   decision.Delegate,
		"reason":     decision.Reason,
	})

	if !decision.Delegate {
		a.logger.Debug("declining delegation",
			zap.String("issue_id", issue.ID),
			zap.String("reason", decision.Reason))
		a.publish(ctx, events.DelegationDeclined, issue.ID, map[string]interface{}{
			"issue_id": issue.ID,
			"reason":   decision.Reason,
		})
		return nil, nil
	}

	if decision.Strategy == StrategySplit || decision.Strategy == StrategyParallel {
		a.logger.Warn("declining delegation: strategy unavailable",
			zap.String("issue_id", issue.ID),
			zap.String("strategy", string(decision.Strategy)),
			zap.Error(ErrStrategyNotImplemented))
		return nil, nil
	}

	prompt := buildDelegationPrompt(issue, comment, classification)
	handle, err := a.runner.CreateTask(ctx, prompt, TaskContext{
		IssueID:         issue.ID,
		IssueIdentifier: issue.Identifier,
		BranchName:      issue.BranchName,
		TaskType:        string(classification.TaskType),
		Priority:        string(classification.Priority),
		Complexity:      classification.Complexity,
		Scope:           classification.Scope,
	})
	if err != nil {
		// Error-as-decline: the direct executor picks the work up instead.
		a.logger.Warn("runner rejected the task, declining delegation",
			zap.String("issue_id", issue.ID), zap.Error(err))
		a.publish(ctx, events.DelegationDeclined, issue.ID, map[string]interface{}{
			"issue_id": issue.ID,
			"reason":   "runner error: " + err.Error(),
		})
		return nil, nil
	}

	task := a.register(handle.TaskID, issue.ID)
	defer a.unregister(handle.TaskID)

	a.logger.Info("task delegated to runner",
		zap.String("issue_id", issue.ID),
		zap.String("task_id", handle.TaskID),
		zap.Int64("estimated_duration_s", handle.EstimatedDuration))
	a.publish(ctx, events.DelegationAccepted, issue.ID, map[string]interface{}{
		"issue_id": issue.ID,
		"task_id":  handle.TaskID,
	})
	a.comment(ctx, issue.ID, fmt.Sprintf(
		"Delegated to the task runner (task %s, type %s, complexity %d/10).",
		handle.TaskID, classification.TaskType, classification.Complexity))

	return a.monitor(ctx, task, handle, issue)
}

// HandleCallback ingests one progress callback from the runner. Unknown
// task ids are accepted and dropped; the runner may outlive a session.
func (a *Agent) HandleCallback(rawBody []byte, signature string) error {
	if a.cfg.CodegenWebhookSecret != "" {
		mac := hmac.New(sha256.New, []byte(a.cfg.CodegenWebhookSecret))
		mac.Write(rawBody)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			return ErrInvalidCallback
		}
	}

	var event RunnerEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return fmt.Errorf("malformed runner callback: %w", err)
	}
	if event.TaskID == "" {
		return fmt.Errorf("runner callback carries no task id")
	}

	a.mu.Lock()
	task := a.byTask[event.TaskID]
	a.mu.Unlock()
	if task == nil {
		a.logger.Debug("dropping callback for unknown task",
			zap.String("task_id", event.TaskID),
			zap.String("event", event.Event))
		return nil
	}

	select {
	case task.events <- &event:
	default:
		a.logger.Warn("runner callback buffer full, dropping event",
			zap.String("task_id", event.TaskID),
			zap.String("event", event.Event))
	}
	return nil
}

// TaskForIssue returns the in-flight task id for an issue, if any.
func (a *Agent) TaskForIssue(issueID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	taskID, ok := a.byIssue[issueID]
	return taskID, ok
}

// monitor waits for a terminal runner event, falling back to polling when
// no callback arrives within the progress window. Progress is reported only
// at the 25/50/75/100 crossings.
func (a *Agent) monitor(ctx context.Context, task *delegatedTask, handle *TaskHandle, issue *linear.Issue) (*session.DelegationResult, error) {
	start := time.Now()

	progressWait := a.progressWait(handle)
	pollFallback := time.NewTimer(progressWait)
	defer pollFallback.Stop()

	var poller *time.Ticker
	var pollCh <-chan time.Time
	defer func() {
		if poller != nil {
			poller.Stop()
		}
	}()

	lastReported := 0
	for {
		select {
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := a.runner.CancelTask(cancelCtx, task.taskID); err != nil {
				a.logger.Warn("failed to cancel runner task",
					zap.String("task_id", task.taskID), zap.Error(err))
			}
			cancel()
			return nil, ctx.Err()

		case event := <-task.events:
			// Callbacks are flowing, push the poll fallback out.
			pollFallback.Reset(progressWait)

			if event.IsTerminal() {
				return a.finishDelegation(ctx, event, issue, start), nil
			}
			if event.Event == EventTaskProgress {
				lastReported = a.reportProgress(ctx, issue.ID, lastReported, event.Progress)
			}

		case <-pollFallback.C:
			a.logger.Warn("no runner callbacks received, starting poll fallback",
				zap.String("task_id", task.taskID),
				zap.Duration("waited", progressWait))
			poller = time.NewTicker(a.pollInterval())
			pollCh = poller.C

		case <-pollCh:
			status, err := a.runner.GetTask(ctx, task.taskID)
			if err != nil {
				a.logger.Warn("poll failed", zap.String("task_id", task.taskID), zap.Error(err))
				continue
			}
			if event := statusToEvent(status); event != nil {
				if event.IsTerminal() {
					return a.finishDelegation(ctx, event, issue, start), nil
				}
				lastReported = a.reportProgress(ctx, issue.ID, lastReported, event.Progress)
			}
		}
	}
}

// finishDelegation converts a terminal runner event into the result handed
// back to the session manager, and reports it on the issue.
func (a *Agent) finishDelegation(ctx context.Context, event *RunnerEvent, issue *linear.Issue, start time.Time) *session.DelegationResult {
	result := event.Result
	if result == nil {
		result = &TaskResult{
			Success: event.Event == EventTaskCompleted,
			Summary: "runner reported " + event.Event,
		}
	}
	if result.DurationMs == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
	}

	dr := &session.DelegationResult{
		Success:       result.Success,
		Summary:       result.Summary,
		FilesModified: result.FilesModified,
		Commits:       result.Commits,
		DurationMs:    result.DurationMs,
	}

	if dr.Success {
		a.comment(ctx, issue.ID, "Task completed: "+dr.Summary)
	} else {
		a.comment(ctx, issue.ID, "Task failed: "+dr.Summary)
	}
	return dr
}

// reportProgress comments on the issue for every {25,50,75,100} crossing
// between lastReported and progress, and returns the new watermark.
func (a *Agent) reportProgress(ctx context.Context, issueID string, lastReported, progress int) int {
	if progress <= lastReported {
		return lastReported
	}
	for _, threshold := range progressCrossings {
		if lastReported < threshold && progress >= threshold {
			a.comment(ctx, issueID, fmt.Sprintf("Task progress: %d%%", threshold))
		}
	}
	return progress
}

// comment posts a best-effort issue comment.
func (a *Agent) comment(ctx context.Context, issueID, body string) {
	if a.tracker == nil {
		return
	}
	if _, err := a.tracker.CreateComment(ctx, issueID, body, ""); err != nil {
		a.logger.Warn("failed to comment on issue",
			zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (a *Agent) publish(ctx context.Context, eventType, issueID string, data map[string]interface{}) {
	if a.bus == nil {
		return
	}
	subject := events.BuildIssueSubject(eventType, issueID)
	if err := a.bus.Publish(ctx, subject, bus.NewEvent(eventType, "boss-agent", data)); err != nil {
		a.logger.Debug("failed to publish delegation event", zap.Error(err))
	}
}

func (a *Agent) register(taskID, issueID string) *delegatedTask {
	task := &delegatedTask{
		taskID:  taskID,
		issueID: issueID,
		events:  make(chan *RunnerEvent, 16),
	}
	a.mu.Lock()
	a.byTask[taskID] = task
	a.byIssue[issueID] = taskID
	a.mu.Unlock()
	return task
}

func (a *Agent) unregister(taskID string) {
	a.mu.Lock()
	if task, ok := a.byTask[taskID]; ok {
		delete(a.byIssue, task.issueID)
		delete(a.byTask, taskID)
	}
	a.mu.Unlock()
}

// progressWait is how long the agent waits for callbacks before polling:
// twice the runner's estimate when it gave one, the configured window
// otherwise.
func (a *Agent) progressWait(handle *TaskHandle) time.Duration {
	if a.progressWaitOverride > 0 {
		return a.progressWaitOverride
	}
	if handle.EstimatedDuration > 0 {
		return 2 * time.Duration(handle.EstimatedDuration) * time.Second
	}
	if a.cfg.ProgressWaitMinutes > 0 {
		return time.Duration(a.cfg.ProgressWaitMinutes) * time.Minute
	}
	return 10 * time.Minute
}

func (a *Agent) pollInterval() time.Duration {
	if a.pollIntervalOverride > 0 {
		return a.pollIntervalOverride
	}
	if a.cfg.PollIntervalSeconds > 0 {
		return time.Duration(a.cfg.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// statusToEvent maps a polled status onto the callback event shape.
func statusToEvent(status *TaskStatus) *RunnerEvent {
	event := &RunnerEvent{TaskID: status.TaskID, Progress: status.Progress, Result: status.Result}
	switch status.Status {
	case "completed":
		event.Event = EventTaskCompleted
	case "failed":
		event.Event = EventTaskFailed
	case "cancelled":
		event.Event = EventTaskCancelled
	case "running":
		event.Event = EventTaskProgress
	default:
		return nil
	}
	return event
}

// buildDelegationPrompt renders the context-rich prompt submitted to the
// runner.
func buildDelegationPrompt(issue *linear.Issue, comment *linear.Comment, c Classification) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Work on issue %s: %s\n\n", issue.Identifier, issue.Title)
	if issue.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n\n", issue.Description)
	}
	if comment != nil && comment.Body != "" {
		fmt.Fprintf(&b, "Triggering request:\n%s\n\n", comment.Body)
	}
	fmt.Fprintf(&b, "Task type: %s\nPriority: %s\nComplexity: %d/10\n",
		c.TaskType, c.Priority, c.Complexity)
	if len(c.Scope) > 0 {
		fmt.Fprintf(&b, "Areas involved: %s\n", strings.Join(c.Scope, ", "))
	}
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(issue.LabelNames(), ", "))
	}
	b.WriteString("\nCommit your changes with clear messages and summarize the work when done.")
	return b.String()
}
