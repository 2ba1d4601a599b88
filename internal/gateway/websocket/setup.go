package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	ws "github.com/agentbridge/agentbridge/pkg/websocket"
)

// Gateway bundles the realtime surface: hub, dispatcher, and the HTTP
// upgrade handler mounted by the server at /ws.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler

	broadcaster *LifecycleBroadcaster
	logger      *logger.Logger
}

// NewGateway creates a WebSocket gateway wired to the session manager and
// the event bus. The hub starts when Run is called.
func NewGateway(sessions Sessions, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)
	if sessions != nil {
		RegisterSessionHandlers(dispatcher, sessions)
	}

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// Run starts the hub loop and subscribes the lifecycle broadcaster. It
// blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, eventBus bus.EventBus) {
	g.broadcaster = RegisterLifecycleNotifications(ctx, eventBus, g.Hub, g.logger)
	g.Hub.Run(ctx)
}

// HandlerFunc returns the gin handler for the /ws route.
func (g *Gateway) HandlerFunc() gin.HandlerFunc {
	return g.Handler.HandleConnection
}
