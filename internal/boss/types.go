// Package boss implements the delegation path: classify a triggering event,
// decide whether it is worth handing to the external task runner, delegate,
// monitor progress, and report the outcome.
package boss

import (
	"errors"

	"github.com/agentbridge/agentbridge/internal/session"
)

// TaskType buckets what kind of work an issue asks for.
type TaskType string

const (
	TaskBugFix   TaskType = "bug_fix"
	TaskFeature  TaskType = "feature"
	TaskRefactor TaskType = "refactor"
	TaskTest     TaskType = "test"
	TaskDocs     TaskType = "docs"
	TaskReview   TaskType = "review"
	TaskPerf     TaskType = "perf"
	TaskOther    TaskType = "other"
)

// Priority is the urgency bucket of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Strategy selects how a delegated task is run.
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategySplit     Strategy = "split"
	StrategyParallel  Strategy = "parallel"
	StrategyCodegen   Strategy = "codegen"
	StrategySelective Strategy = "selective"
)

// ErrStrategyNotImplemented marks the split/parallel extension points. The
// agent converts it into a decline.
var ErrStrategyNotImplemented = errors.New("delegation strategy not implemented")

// Classification is the analysis of one triggering event.
type Classification struct {
	TaskType   TaskType `json:"taskType"`
	Complexity int      `json:"complexity"` // 1..10
	Priority   Priority `json:"priority"`
	Scope      []string `json:"scope,omitempty"` // matched keyword clusters
}

// Decision is the outcome of weighing a classification against config.
type Decision struct {
	Delegate bool     `json:"delegate"`
	Strategy Strategy `json:"strategy"`
	Reason   string   `json:"reason"`
}

// TaskHandle identifies a task accepted by the external runner.
type TaskHandle struct {
	TaskID            string `json:"taskId"`
	EstimatedDuration int64  `json:"estimatedDuration,omitempty"` // seconds
}

// Runner event names as delivered on the progress callback.
const (
	EventTaskStarted   = "task.started"
	EventTaskProgress  = "task.progress"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskCancelled = "task.cancelled"
)

// RunnerEvent is one progress callback delivery from the runner.
type RunnerEvent struct {
	TaskID   string      `json:"taskId"`
	Event    string      `json:"event"`
	Progress int         `json:"progress,omitempty"`
	Result   *TaskResult `json:"result,omitempty"`
}

// IsTerminal reports whether the event ends the task.
func (e *RunnerEvent) IsTerminal() bool {
	switch e.Event {
	case EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		return true
	}
	return false
}

// TaskResult is the runner's report for a finished task.
type TaskResult struct {
	Success       bool             `json:"success"`
	Summary       string           `json:"summary"`
	FilesModified []string         `json:"filesModified"`
	Commits       []session.Commit `json:"commits"`
	DurationMs    int64            `json:"durationMs"`
}

// TaskStatus is the poll-fallback view of a running task.
type TaskStatus struct {
	TaskID   string      `json:"taskId"`
	Status   string      `json:"status"` // pending, running, completed, failed, cancelled
	Progress int         `json:"progress"`
	Result   *TaskResult `json:"result,omitempty"`
}
