package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	ws "github.com/agentbridge/agentbridge/pkg/websocket"
)

// sessionSink is the part of the hub the broadcaster needs.
type sessionSink interface {
	BroadcastToSession(sessionID string, msg *ws.Message)
}

// LifecycleBroadcaster forwards session lifecycle events from the bus to
// clients subscribed to the session. The event type doubles as the
// notification action, so consumers see one vocabulary.
type LifecycleBroadcaster struct {
	sink          sessionSink
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterLifecycleNotifications subscribes the hub to all session lifecycle
// subjects. The broadcaster closes when ctx is cancelled.
func RegisterLifecycleNotifications(ctx context.Context, eventBus bus.EventBus, sink sessionSink, log *logger.Logger) *LifecycleBroadcaster {
	b := &LifecycleBroadcaster{
		sink:   sink,
		logger: log.WithFields(zap.String("component", "ws-lifecycle-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	sub, err := eventBus.Subscribe(events.BuildSessionWildcardSubject(), b.handleEvent)
	if err != nil {
		b.logger.Error("failed to subscribe to session events", zap.Error(err))
		return b
	}
	b.subscriptions = append(b.subscriptions, sub)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

func (b *LifecycleBroadcaster) handleEvent(_ context.Context, event *bus.Event) error {
	sessionID := extractSessionID(event.Data)
	if sessionID == "" {
		return nil
	}

	msg, err := ws.NewNotification(event.Type, event.Data)
	if err != nil {
		b.logger.Error("failed to build websocket notification",
			zap.String("event_type", event.Type), zap.Error(err))
		return nil
	}
	b.sink.BroadcastToSession(sessionID, msg)
	return nil
}

// Close unsubscribes from the bus.
func (b *LifecycleBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func extractSessionID(data any) string {
	if data == nil {
		return ""
	}
	if m, ok := data.(map[string]any); ok {
		if sessionID, ok := m["session_id"].(string); ok {
			return sessionID
		}
	}
	return ""
}
