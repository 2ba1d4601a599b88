// Package server provides the HTTP surface of the bridge: webhook intake,
// session admin endpoints, and the realtime WebSocket gateway mount.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/httpmw"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/session"
	"github.com/agentbridge/agentbridge/internal/webhook"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

// Sessions is the admin surface of the session manager.
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)
	ListSessions(ctx context.Context) ([]*session.Session, error)
	ListActiveSessions(ctx context.Context) ([]*session.Session, error)
	CancelSession(ctx context.Context, sessionID string) error
	GetStats(ctx context.Context) (*session.Stats, error)
}

// Webhooks verifies and classifies tracker deliveries.
type Webhooks interface {
	Handle(ctx context.Context, rawBody []byte, signature string) (*webhook.ProcessedEvent, error)
}

// EventRouter turns a processed trigger into a session.
type EventRouter interface {
	Route(ctx context.Context, pe *webhook.ProcessedEvent) error
}

// Callbacks receives progress callbacks from the external task runner.
type Callbacks interface {
	HandleCallback(rawBody []byte, signature string) error
}

// Server is the bridge's HTTP server.
type Server struct {
	cfg       *config.Config
	sessions  Sessions
	webhooks  Webhooks
	router    EventRouter
	callbacks Callbacks
	logger    *logger.Logger

	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds the HTTP server. callbacks may be nil when the boss agent
// is disabled; wsHandler may be nil when the gateway is not mounted.
func NewServer(cfg *config.Config, sessions Sessions, webhooks Webhooks, router EventRouter, callbacks Callbacks, wsHandler gin.HandlerFunc, log *logger.Logger) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		webhooks:  webhooks,
		router:    router,
		callbacks: callbacks,
		logger:    log.WithFields(zap.String("component", "http-server")),
		engine:    gin.New(),
		startTime: time.Now(),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(httpmw.RequestLogger(s.logger, "agentbridge"))
	s.engine.Use(httpmw.OtelTracing("agentbridge"))
	if len(cfg.Server.AllowedOrigins) > 0 {
		s.engine.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Server.AllowedOrigins,
			AllowMethods:     []string{"GET", "DELETE", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	s.setupRoutes(wsHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	return s
}

func (s *Server) setupRoutes(wsHandler gin.HandlerFunc) {
	s.engine.POST("/webhooks/linear", s.handleLinearWebhook)
	s.engine.POST("/webhooks/codegen", s.handleCodegenWebhook)

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/config", s.handleConfig)
	s.engine.GET("/stats", s.handleStats)

	s.engine.GET("/sessions", s.handleListSessions)
	s.engine.GET("/sessions/active", s.handleListActiveSessions)
	s.engine.GET("/sessions/:id", s.handleGetSession)
	s.engine.DELETE("/sessions/:id", s.handleCancelSession)

	if wsHandler != nil {
		s.engine.GET("/ws", wsHandler)
	}
}

// Router returns the HTTP handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
