// Package executor runs session work: locally via the configured agent CLI,
// or in a Docker container when the session demands isolation.
package executor

import (
	"fmt"
	"strings"

	"github.com/agentbridge/agentbridge/internal/session"
)

// BuildPrompt renders the task prompt handed to the agent. The issue is the
// source of truth; the trigger comment, when present, carries the operator's
// actual request and goes last so it reads as the instruction.
func BuildPrompt(ec *session.ExecutionContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are working on issue %s: %s\n", ec.Issue.Identifier, ec.Issue.Title)
	if desc := strings.TrimSpace(ec.Issue.Description); desc != "" {
		fmt.Fprintf(&sb, "\nIssue description:\n%s\n", desc)
	}
	if len(ec.Issue.Labels) > 0 {
		fmt.Fprintf(&sb, "\nLabels: %s\n", strings.Join(ec.Issue.LabelNames(), ", "))
	}
	if ec.TriggerComment != nil && strings.TrimSpace(ec.TriggerComment.Body) != "" {
		fmt.Fprintf(&sb, "\nRequest from a comment on the issue:\n%s\n", strings.TrimSpace(ec.TriggerComment.Body))
	}

	sb.WriteString("\nWork in the current directory")
	if ec.BranchName != "" {
		fmt.Fprintf(&sb, " on branch %s", ec.BranchName)
	}
	sb.WriteString(". Commit your changes with descriptive messages when done.\n")

	return sb.String()
}

// expandArgs substitutes the {prompt} placeholder in the configured argument
// template. An argument that is exactly the placeholder becomes the prompt;
// no partial substitution happens, so prompts with braces stay intact.
func expandArgs(template []string, prompt string) []string {
	args := make([]string, len(template))
	for i, a := range template {
		if a == "{prompt}" {
			args[i] = prompt
		} else {
			args[i] = a
		}
	}
	return args
}
