package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/boss"
	"github.com/agentbridge/agentbridge/internal/webhook"
)

// Signature headers carried by inbound webhook deliveries.
const (
	linearSignatureHeader  = "Linear-Signature"
	codegenSignatureHeader = "X-Codegen-Signature"
)

// maxWebhookBody caps webhook payload reads.
const maxWebhookBody = 1 << 20

func (s *Server) handleLinearWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	pe, err := s.webhooks.Handle(c.Request.Context(), rawBody, c.GetHeader(linearSignatureHeader))
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	case errors.Is(err, webhook.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	case err != nil:
		s.logger.Error("webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// The delivery is acknowledged regardless of what routing does with it:
	// the tracker must not retry a session that failed to start.
	if pe.ShouldTrigger && s.router != nil {
		if err := s.router.Route(c.Request.Context(), pe); err != nil {
			s.logger.Error("failed to route trigger", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) handleCodegenWebhook(c *gin.Context) {
	if s.callbacks == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "delegation is disabled"})
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	if err := s.callbacks.HandleCallback(rawBody, c.GetHeader(codegenSignatureHeader)); err != nil {
		if errors.Is(err, boss.ErrInvalidCallback) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"version":      Version,
		"uptime":       time.Since(s.startTime).Round(time.Second).String(),
		"oauthEnabled": false,
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Sanitized())
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.sessions.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.sessions.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleListActiveSessions(c *gin.Context) {
	sessions, err := s.sessions.ListActiveSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleCancelSession(c *gin.Context) {
	id := c.Param("id")

	sess, err := s.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if err := s.sessions.CancelSession(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
