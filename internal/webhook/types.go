// Package webhook authenticates, parses, and classifies inbound tracker
// webhooks, and routes triggering events into the session manager.
package webhook

import (
	"errors"
	"time"

	"github.com/agentbridge/agentbridge/internal/linear"
)

var (
	// ErrInvalidSignature means the HMAC signature did not match the body.
	// The HTTP layer maps it to 401.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload means the body was not a parseable event. The
	// HTTP layer maps it to 400.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// ProcessedEvent is the handler's verdict on one webhook delivery.
type ProcessedEvent struct {
	Type          string          `json:"type"`
	Action        string          `json:"action"`
	Issue         *linear.Issue   `json:"issue,omitempty"`
	Comment       *linear.Comment `json:"comment,omitempty"`
	Actor         *linear.Actor   `json:"actor,omitempty"`
	ShouldTrigger bool            `json:"shouldTrigger"`
	TriggerReason string          `json:"triggerReason"`
	Timestamp     time.Time       `json:"timestamp"`
}
