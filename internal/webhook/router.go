package webhook

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/linear"
	"github.com/agentbridge/agentbridge/internal/session"
)

// SessionStarter is the slice of the session manager the router drives.
type SessionStarter interface {
	CreateSession(ctx context.Context, issue *linear.Issue, triggerComment *linear.Comment) (*session.Session, error)
	StartSession(ctx context.Context, sessionID string, issue *linear.Issue, triggerComment *linear.Comment) error
}

// Router maps classified webhook events onto session manager calls.
type Router struct {
	sessions SessionStarter
	logger   *logger.Logger
}

// NewRouter creates an event router.
func NewRouter(sessions SessionStarter, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "event-router")),
	}
}

// Route dispatches one processed event. Non-triggers are logged and dropped.
// Triggers create (or rejoin) a session and start it; StartSession is
// idempotent, so rejoining a RUNNING session is harmless. Errors are
// returned for accounting but the webhook has already been accepted.
func (r *Router) Route(ctx context.Context, pe *ProcessedEvent) error {
	if !pe.ShouldTrigger {
		r.logger.Debug("dropping non-trigger event",
			zap.String("type", pe.Type),
			zap.String("reason", pe.TriggerReason))
		return nil
	}
	if pe.Issue == nil {
		return fmt.Errorf("trigger event carries no issue")
	}

	s, err := r.sessions.CreateSession(ctx, pe.Issue, pe.Comment)
	if err != nil {
		r.logger.Error("failed to create session for trigger",
			zap.String("issue_id", pe.Issue.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := r.sessions.StartSession(ctx, s.ID, pe.Issue, pe.Comment); err != nil {
		r.logger.Error("failed to start session for trigger",
			zap.String("session_id", s.ID),
			zap.String("issue_id", pe.Issue.ID),
			zap.Error(err))
		return fmt.Errorf("failed to start session: %w", err)
	}

	r.logger.Info("trigger routed to session",
		zap.String("session_id", s.ID),
		zap.String("issue_id", pe.Issue.ID),
		zap.String("reason", pe.TriggerReason))
	return nil
}
