// Package events defines the event vocabulary published on the bridge bus.
package events

// Session lifecycle events. Exactly one terminal event (completed, failed
// or cancelled) is published per session.
const (
	SessionCreated   = "session.created"
	SessionRunning   = "session.running"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	SessionCancelled = "session.cancelled"
)

// Webhook ingestion events.
const (
	WebhookReceived = "webhook.received"
	WebhookRejected = "webhook.rejected"
	TriggerMatched  = "trigger.matched"
)

// Delegation events for the boss agent path.
const (
	DelegationRequested = "delegation.requested"
	DelegationAccepted  = "delegation.accepted"
	DelegationDeclined  = "delegation.declined"
)

// Worktree events.
const (
	WorktreeCreated = "worktree.created"
	WorktreeRemoved = "worktree.removed"
)

// BuildSessionSubject creates a per-session subject for a lifecycle event,
// e.g. session.completed.sess_1234.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription covering every
// session lifecycle event.
func BuildSessionWildcardSubject() string {
	return "session.>"
}

// BuildIssueSubject creates a per-issue subject for trigger events,
// e.g. trigger.matched.issue-abc.
func BuildIssueSubject(eventType, issueID string) string {
	return eventType + "." + issueID
}

// BuildWebhookWildcardSubject creates a wildcard subscription covering all
// webhook ingestion events.
func BuildWebhookWildcardSubject() string {
	return "webhook.>"
}
