package websocket

import (
	"context"

	"github.com/agentbridge/agentbridge/internal/session"
	ws "github.com/agentbridge/agentbridge/pkg/websocket"
)

// Sessions is the admin surface the gateway exposes over the dispatcher.
// It matches the session manager.
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)
	ListSessions(ctx context.Context) ([]*session.Session, error)
	ListActiveSessions(ctx context.Context) ([]*session.Session, error)
	CancelSession(ctx context.Context, sessionID string) error
	GetStats(ctx context.Context) (*session.Stats, error)
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

// RegisterSessionHandlers exposes session admin operations over the
// dispatcher, mirroring the HTTP endpoints for clients that stay on the
// socket.
func RegisterSessionHandlers(d *ws.Dispatcher, sessions Sessions) {
	d.RegisterFunc(ws.ActionSessionList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		list, err := sessions.ListSessions(ctx)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"sessions": list,
			"count":    len(list),
		})
	})

	d.RegisterFunc(ws.ActionSessionListActive, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		list, err := sessions.ListActiveSessions(ctx)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"sessions": list,
			"count":    len(list),
		})
	})

	d.RegisterFunc(ws.ActionSessionGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var ref sessionRef
		if err := msg.ParsePayload(&ref); err != nil || ref.SessionID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		}
		sess, err := sessions.GetSession(ctx, ref.SessionID)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		if sess == nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "session not found", nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, sess)
	})

	d.RegisterFunc(ws.ActionSessionStats, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		stats, err := sessions.GetStats(ctx)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, stats)
	})

	d.RegisterFunc(ws.ActionSessionCancel, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var ref sessionRef
		if err := msg.ParsePayload(&ref); err != nil || ref.SessionID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		}
		sess, err := sessions.GetSession(ctx, ref.SessionID)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		if sess == nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "session not found", nil)
		}
		if err := sessions.CancelSession(ctx, ref.SessionID); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"cancelled":  true,
			"session_id": ref.SessionID,
		})
	})
}
