package boss

import (
	"strings"

	"github.com/agentbridge/agentbridge/internal/linear"
)

// keywordClusters are the topic areas that bump complexity. Each cluster
// counts at most once.
var keywordClusters = []struct {
	name  string
	words []string
}{
	{"auth", []string{"auth", "login", "oauth", "token", "permission"}},
	{"migration", []string{"migration", "migrate", "schema", "upgrade"}},
	{"concurrency", []string{"concurrency", "race", "deadlock", "goroutine", "thread", "lock"}},
	{"perf", []string{"performance", "slow", "latency", "bottleneck", "optimize", "memory", "cpu"}},
	{"security", []string{"security", "vulnerability", "injection", "xss", "csrf", "secret"}},
}

var trivialKeywords = []string{"typo", "comment", "rename", "whitespace"}

var multiModuleHints = []string{"across", "multiple files", "several modules", "refactor the whole", "end-to-end", "end to end"}

// taskTypeByLabel maps well-known label names to task types. Labels win
// over keyword inference.
var taskTypeByLabel = map[string]TaskType{
	"bug":           TaskBugFix,
	"defect":        TaskBugFix,
	"feature":       TaskFeature,
	"enhancement":   TaskFeature,
	"refactor":      TaskRefactor,
	"tech-debt":     TaskRefactor,
	"test":          TaskTest,
	"testing":       TaskTest,
	"docs":          TaskDocs,
	"documentation": TaskDocs,
	"review":        TaskReview,
	"performance":   TaskPerf,
	"perf":          TaskPerf,
}

var priorityByLabel = map[string]Priority{
	"critical": PriorityCritical,
	"urgent":   PriorityCritical,
	"blocker":  PriorityCritical,
	"high":     PriorityHigh,
	"p1":       PriorityHigh,
	"low":      PriorityLow,
	"p4":       PriorityLow,
}

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Classify analyzes a triggering event into task type, complexity, and
// priority. Purely functional over its inputs.
func Classify(issue *linear.Issue, comment *linear.Comment) Classification {
	text := strings.ToLower(issue.Title + "\n" + issue.Description)
	if comment != nil {
		text += "\n" + strings.ToLower(comment.Body)
	}

	var scope []string
	return Classification{
		TaskType:   inferTaskType(issue, text),
		Complexity: scoreComplexity(issue, text, &scope),
		Priority:   inferPriority(issue, text),
		Scope:      scope,
	}
}

func inferTaskType(issue *linear.Issue, text string) TaskType {
	for _, label := range issue.Labels {
		if t, ok := taskTypeByLabel[strings.ToLower(label.Name)]; ok {
			return t
		}
	}

	switch {
	case containsAny(text, []string{"bug", "fix", "broken", "crash", "error", "regression"}):
		return TaskBugFix
	case containsAny(text, []string{"slow", "performance", "optimize", "latency", "bottleneck"}):
		return TaskPerf
	case containsAny(text, []string{"refactor", "clean up", "cleanup", "restructure"}):
		return TaskRefactor
	case containsAny(text, []string{"test", "coverage", "flaky"}):
		return TaskTest
	case containsAny(text, []string{"document", "readme", "docs"}):
		return TaskDocs
	case containsAny(text, []string{"review", "audit"}):
		return TaskReview
	case containsAny(text, []string{"add", "implement", "support", "feature", "new"}):
		return TaskFeature
	}
	return TaskOther
}

// scoreComplexity applies the heuristic: base 5, +1 per matched keyword
// cluster, +1 for long descriptions, +1 for multi-module hints, -1 for
// trivial work, clamped to [1, 10].
func scoreComplexity(issue *linear.Issue, text string, scope *[]string) int {
	score := 5

	for _, cluster := range keywordClusters {
		if containsAny(text, cluster.words) {
			score++
			*scope = append(*scope, cluster.name)
		}
	}
	if len(issue.Description) > 500 {
		score++
	}
	if containsAny(text, multiModuleHints) {
		score++
	}
	if containsAny(text, trivialKeywords) {
		score--
	}

	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

func inferPriority(issue *linear.Issue, text string) Priority {
	p := PriorityNormal

	for _, label := range issue.Labels {
		if lp, ok := priorityByLabel[strings.ToLower(label.Name)]; ok {
			p = maxPriority(p, lp)
		}
	}
	if containsAny(text, []string{"urgent", "asap", "critical", "production down", "outage"}) {
		p = maxPriority(p, PriorityCritical)
	} else if containsAny(text, []string{"important", "soon", "blocking"}) {
		p = maxPriority(p, PriorityHigh)
	}
	return p
}

func maxPriority(a, b Priority) Priority {
	if priorityRank[b] > priorityRank[a] {
		return b
	}
	return a
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// Decide weighs a classification against the configured threshold and task
// type whitelist.
func Decide(c Classification, threshold int, whitelist []string) Decision {
	if threshold <= 0 {
		threshold = 6
	}

	whitelisted := false
	for _, t := range whitelist {
		if TaskType(t) == c.TaskType {
			whitelisted = true
			break
		}
	}

	d := Decision{Strategy: StrategyCodegen}
	switch {
	case !whitelisted:
		d.Reason = "task type not whitelisted for delegation"
	case c.Complexity < threshold:
		d.Reason = "complexity below delegation threshold"
	default:
		d.Delegate = true
		d.Reason = "complexity meets threshold and task type is whitelisted"
	}
	return d
}
