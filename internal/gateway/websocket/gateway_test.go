package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	"github.com/agentbridge/agentbridge/internal/session"
	ws "github.com/agentbridge/agentbridge/pkg/websocket"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

type fakeSessions struct {
	sessions  map[string]*session.Session
	cancelled []string
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (*session.Session, error) {
	return f.sessions[id], nil
}

func (f *fakeSessions) ListSessions(context.Context) ([]*session.Session, error) {
	var out []*session.Session
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSessions) ListActiveSessions(context.Context) ([]*session.Session, error) {
	var out []*session.Session
	for _, s := range f.sessions {
		if s.Status.IsActive() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessions) CancelSession(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeSessions) GetStats(context.Context) (*session.Stats, error) {
	return &session.Stats{Total: len(f.sessions)}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	sent map[string][]*ws.Message
}

func (r *recordingSink) BroadcastToSession(sessionID string, msg *ws.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]*ws.Message)
	}
	r.sent[sessionID] = append(r.sent[sessionID], msg)
}

func (r *recordingSink) forSession(sessionID string) []*ws.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ws.Message(nil), r.sent[sessionID]...)
}

func TestLifecycleBroadcaster_ForwardsSessionEvents(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := RegisterLifecycleNotifications(ctx, eventBus, sink, log)
	require.NotNil(t, b)

	event := bus.NewEvent(events.SessionRunning, "session-manager", map[string]interface{}{
		"session_id": "s-1",
		"issue_id":   "iss-1",
		"status":     "RUNNING",
	})
	require.NoError(t, eventBus.Publish(ctx, events.BuildSessionSubject(events.SessionRunning, "s-1"), event))

	require.Eventually(t, func() bool {
		return len(sink.forSession("s-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := sink.forSession("s-1")[0]
	assert.Equal(t, ws.MessageTypeNotification, msg.Type)
	assert.Equal(t, events.SessionRunning, msg.Action)
}

func TestLifecycleBroadcaster_IgnoresEventsWithoutSessionID(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	RegisterLifecycleNotifications(ctx, eventBus, sink, log)

	event := bus.NewEvent(events.SessionCreated, "session-manager", map[string]interface{}{"issue_id": "iss-1"})
	require.NoError(t, eventBus.Publish(ctx, events.BuildSessionSubject(events.SessionCreated, "s-x"), event))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.forSession("s-x"))
}

func dispatch(t *testing.T, d *ws.Dispatcher, action string, payload interface{}) *ws.Message {
	t.Helper()
	req, err := ws.NewRequest("req-1", action, payload)
	require.NoError(t, err)
	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func TestSessionHandlers(t *testing.T) {
	sessions := &fakeSessions{sessions: map[string]*session.Session{
		"s-1": {ID: "s-1", IssueID: "iss-1", Status: session.StatusRunning},
		"s-2": {ID: "s-2", IssueID: "iss-2", Status: session.StatusCompleted},
	}}
	d := ws.NewDispatcher()
	RegisterSessionHandlers(d, sessions)

	t.Run("list", func(t *testing.T) {
		resp := dispatch(t, d, ws.ActionSessionList, nil)
		assert.Equal(t, ws.MessageTypeResponse, resp.Type)

		var payload struct {
			Count int `json:"count"`
		}
		require.NoError(t, resp.ParsePayload(&payload))
		assert.Equal(t, 2, payload.Count)
	})

	t.Run("list active", func(t *testing.T) {
		resp := dispatch(t, d, ws.ActionSessionListActive, nil)

		var payload struct {
			Count int `json:"count"`
		}
		require.NoError(t, resp.ParsePayload(&payload))
		assert.Equal(t, 1, payload.Count)
	})

	t.Run("get", func(t *testing.T) {
		resp := dispatch(t, d, ws.ActionSessionGet, map[string]string{"session_id": "s-1"})
		assert.Equal(t, ws.MessageTypeResponse, resp.Type)

		var got session.Session
		require.NoError(t, resp.ParsePayload(&got))
		assert.Equal(t, "s-1", got.ID)
	})

	t.Run("get unknown is not found", func(t *testing.T) {
		resp := dispatch(t, d, ws.ActionSessionGet, map[string]string{"session_id": "nope"})
		assert.Equal(t, ws.MessageTypeError, resp.Type)

		var payload ws.ErrorPayload
		require.NoError(t, resp.ParsePayload(&payload))
		assert.Equal(t, ws.ErrorCodeNotFound, payload.Code)
	})

	t.Run("get without id is validation error", func(t *testing.T) {
		resp := dispatch(t, d, ws.ActionSessionGet, map[string]string{})
		assert.Equal(t, ws.MessageTypeError, resp.Type)
	})

	t.Run("stats", func(t *testing.T) {
		resp := dispatch(t, d, ws.ActionSessionStats, nil)

		var stats session.Stats
		require.NoError(t, resp.ParsePayload(&stats))
		assert.Equal(t, 2, stats.Total)
	})

	t.Run("cancel", func(t *testing.T) {
		resp := dispatch(t, d, ws.ActionSessionCancel, map[string]string{"session_id": "s-1"})
		assert.Equal(t, ws.MessageTypeResponse, resp.Type)
		assert.Equal(t, []string{"s-1"}, sessions.cancelled)
	})

	t.Run("unknown action", func(t *testing.T) {
		resp := dispatch(t, d, "session.reboot", nil)
		assert.Equal(t, ws.MessageTypeError, resp.Type)

		var payload ws.ErrorPayload
		require.NoError(t, resp.ParsePayload(&payload))
		assert.Equal(t, ws.ErrorCodeUnknownAction, payload.Code)
	})
}

// dialGateway spins up a full gateway behind an httptest server and returns
// a connected client.
func dialGateway(t *testing.T, sessions Sessions, eventBus bus.EventBus) (*gorillaws.Conn, *Gateway) {
	t.Helper()

	log := testLogger(t)
	gw := NewGateway(sessions, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Run(ctx, eventBus)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/ws", gw.HandlerFunc())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return gw.Hub.GetClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	return conn, gw
}

func readMessage(t *testing.T, conn *gorillaws.Conn) *ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	// The write pump batches queued messages newline-separated; take the
	// first frame.
	if i := strings.IndexByte(string(raw), '\n'); i >= 0 {
		raw = raw[:i]
	}
	var msg ws.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg
}

func TestGateway_SubscribeAndReceiveLifecycle(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	sessions := &fakeSessions{sessions: map[string]*session.Session{}}
	conn, _ := dialGateway(t, sessions, eventBus)

	sub, err := ws.NewRequest("req-1", ws.ActionSessionSubscribe, map[string]string{"session_id": "s-1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(sub))

	resp := readMessage(t, conn)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)
	assert.Equal(t, ws.ActionSessionSubscribe, resp.Action)

	event := bus.NewEvent(events.SessionCompleted, "session-manager", map[string]interface{}{
		"session_id": "s-1",
		"status":     "COMPLETED",
	})
	require.NoError(t, eventBus.Publish(context.Background(),
		events.BuildSessionSubject(events.SessionCompleted, "s-1"), event))

	note := readMessage(t, conn)
	assert.Equal(t, ws.MessageTypeNotification, note.Type)
	assert.Equal(t, events.SessionCompleted, note.Action)

	var payload map[string]interface{}
	require.NoError(t, note.ParsePayload(&payload))
	assert.Equal(t, "s-1", payload["session_id"])
}

func TestGateway_HealthCheckOverSocket(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	conn, _ := dialGateway(t, &fakeSessions{}, eventBus)

	req, err := ws.NewRequest("req-1", ws.ActionHealthCheck, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	resp := readMessage(t, conn)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)

	var payload map[string]interface{}
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, "ok", payload["status"])
}
