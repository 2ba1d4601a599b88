package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session admin actions (request/response)
	ActionSessionList       = "session.list"
	ActionSessionListActive = "session.list_active"
	ActionSessionGet        = "session.get"
	ActionSessionStats      = "session.stats"
	ActionSessionCancel     = "session.cancel"

	// Subscription actions
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Notification actions (server -> client). Lifecycle actions mirror the
	// event bus types so consumers see one vocabulary.
	ActionSessionCreated   = "session.created"
	ActionSessionRunning   = "session.running"
	ActionSessionCompleted = "session.completed"
	ActionSessionFailed    = "session.failed"
	ActionSessionCancelled = "session.cancelled"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
