package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	"github.com/agentbridge/agentbridge/internal/linear"
)

// Handler verifies, parses, and classifies webhook deliveries. Processing
// order is fixed: signature, parse, tenant, type, classification, bot
// filter. Signature and parse run first so a forged or malformed payload is
// never trusted to report its own tenant.
type Handler struct {
	cfg      config.LinearConfig
	lexicon  *Lexicon
	eventBus bus.EventBus
	logger   *logger.Logger

	noSecretWarning sync.Once
}

// NewHandler creates a webhook handler. A nil lexicon means the built-in
// token sets.
func NewHandler(cfg config.LinearConfig, lexicon *Lexicon, eventBus bus.EventBus, log *logger.Logger) *Handler {
	if lexicon == nil {
		lexicon = DefaultLexicon()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		cfg:      cfg,
		lexicon:  lexicon,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "webhook-handler")),
	}
}

// Handle processes one raw delivery. The returned error is ErrInvalidSignature
// or ErrMalformedPayload for rejections; every other outcome is a
// ProcessedEvent, trigger or not.
func (h *Handler) Handle(ctx context.Context, rawBody []byte, signature string) (*ProcessedEvent, error) {
	if err := h.verifySignature(rawBody, signature); err != nil {
		h.logger.Warn("webhook rejected: bad signature")
		h.publish(ctx, events.WebhookRejected, map[string]interface{}{"reason": "invalid signature"})
		return nil, err
	}

	var event linear.WebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		h.logger.Warn("webhook rejected: unparseable body", zap.Error(err))
		h.publish(ctx, events.WebhookRejected, map[string]interface{}{"reason": "malformed payload"})
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	pe := &ProcessedEvent{
		Type:      event.Type,
		Action:    event.Action,
		Actor:     event.Actor,
		Timestamp: time.Now().UTC(),
	}

	if h.cfg.OrganizationID != "" && event.OrganizationID != h.cfg.OrganizationID {
		pe.TriggerReason = "wrong tenant"
		h.logger.Debug("ignoring event for foreign tenant",
			zap.String("tenant_id", event.OrganizationID))
		return pe, nil
	}

	switch event.Type {
	case "Issue":
		var issue linear.Issue
		if err := json.Unmarshal(event.Data, &issue); err != nil {
			return nil, fmt.Errorf("%w: issue data: %v", ErrMalformedPayload, err)
		}
		pe.Issue = &issue
	case "Comment":
		var comment linear.Comment
		if err := json.Unmarshal(event.Data, &comment); err != nil {
			return nil, fmt.Errorf("%w: comment data: %v", ErrMalformedPayload, err)
		}
		pe.Comment = &comment
		pe.Issue = comment.Issue
	default:
		pe.TriggerReason = "unsupported event type"
		return pe, nil
	}

	h.classify(&event, pe)

	// Bot filter last: anything the agent itself did must not loop back.
	if pe.ShouldTrigger && event.Actor != nil && h.cfg.AgentUserID != "" && event.Actor.ID == h.cfg.AgentUserID {
		pe.ShouldTrigger = false
		pe.TriggerReason = "actor is the agent"
	}

	h.logEvent(pe)
	if pe.ShouldTrigger && pe.Issue != nil {
		h.publish(ctx, events.TriggerMatched, map[string]interface{}{
			"issue_id": pe.Issue.ID,
			"reason":   pe.TriggerReason,
		})
	}
	h.publish(ctx, events.WebhookReceived, map[string]interface{}{
		"type":           pe.Type,
		"action":         pe.Action,
		"should_trigger": pe.ShouldTrigger,
		"reason":         pe.TriggerReason,
	})

	return pe, nil
}

// verifySignature checks the hex HMAC-SHA256 of the body. No configured
// secret disables the check, with a single startup-style warning.
func (h *Handler) verifySignature(rawBody []byte, signature string) error {
	if h.cfg.WebhookSecret == "" {
		h.noSecretWarning.Do(func() {
			h.logger.Warn("no webhook secret configured, accepting unsigned deliveries")
		})
		return nil
	}

	mac := hmac.New(sha256.New, []byte(h.cfg.WebhookSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// classify applies the trigger rules to a tenant-local Issue or Comment
// event.
func (h *Handler) classify(event *linear.WebhookEvent, pe *ProcessedEvent) {
	switch event.Type {
	case "Issue":
		if pe.Issue.Assignee != nil && h.cfg.AgentUserID != "" && pe.Issue.Assignee.ID == h.cfg.AgentUserID {
			pe.ShouldTrigger = true
			pe.TriggerReason = "issue assigned to agent"
			return
		}
		pe.TriggerReason = "no trigger condition met"

	case "Comment":
		if event.Action != "create" {
			pe.TriggerReason = "comment action is not create"
			return
		}
		if token, ok := h.lexicon.Match(pe.Comment.Body); ok {
			pe.ShouldTrigger = true
			pe.TriggerReason = "comment mention: " + token
			return
		}
		pe.TriggerReason = "no trigger token in comment"
	}
}

func (h *Handler) logEvent(pe *ProcessedEvent) {
	fields := []zap.Field{
		zap.String("type", pe.Type),
		zap.String("action", pe.Action),
		zap.Bool("should_trigger", pe.ShouldTrigger),
		zap.String("reason", pe.TriggerReason),
	}
	if pe.Issue != nil {
		fields = append(fields, zap.String("issue_id", pe.Issue.ID))
	}
	if pe.ShouldTrigger {
		h.logger.Info("webhook classified as trigger", fields...)
	} else {
		h.logger.Debug("webhook classified as non-trigger", fields...)
	}
}

// publish emits an ingestion event, best-effort.
func (h *Handler) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if h.eventBus == nil {
		return
	}
	subject := eventType
	if issueID, ok := data["issue_id"].(string); ok {
		subject = events.BuildIssueSubject(eventType, issueID)
	}
	if err := h.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "webhook-handler", data)); err != nil {
		h.logger.Debug("failed to publish webhook event", zap.Error(err))
	}
}
