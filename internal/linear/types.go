// Package linear provides a client for the Linear GraphQL API.
package linear

import "time"

// User is a Linear workspace member.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Team is the Linear team an issue belongs to.
type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// WorkflowState is the workflow column an issue sits in.
type WorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // backlog, unstarted, started, completed, canceled
}

// Label is an issue label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Issue is a Linear issue with the fields the bridge acts on.
type Issue struct {
	ID          string         `json:"id"`
	Identifier  string         `json:"identifier"` // e.g. ENG-123
	Title       string         `json:"title"`
	Description string         `json:"description"`
	URL         string         `json:"url"`
	BranchName  string         `json:"branchName"` // Linear's own suggested branch
	Priority    int            `json:"priority"`
	Estimate    *float64       `json:"estimate"`
	State       *WorkflowState `json:"state"`
	Creator     *User          `json:"creator"`
	Assignee    *User          `json:"assignee"`
	Team        *Team          `json:"team"`
	Labels      []Label        `json:"labels"`
}

// LabelNames returns the label names in declaration order.
func (i *Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

// Comment is a comment on a Linear issue. Webhook payloads carry the parent
// issue inline; API responses only its id.
type Comment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	URL       string    `json:"url"`
	User      *User     `json:"user"`
	IssueID   string    `json:"issueId,omitempty"`
	Issue     *Issue    `json:"issue,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
