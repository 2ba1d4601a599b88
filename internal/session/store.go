package session

import "context"

// Store persists sessions. Load and LoadByIssue return (nil, nil) when
// nothing matches; a missing session is an application condition, not an
// I/O failure.
type Store interface {
	// Save upserts a session record.
	Save(ctx context.Context, s *Session) error

	// Load fetches a session by id.
	Load(ctx context.Context, id string) (*Session, error)

	// LoadByIssue fetches the most recently active session for an issue,
	// ordering by lastActivityAt then startedAt descending.
	LoadByIssue(ctx context.Context, issueID string) (*Session, error)

	// List returns all sessions, most recently started first.
	List(ctx context.Context) ([]*Session, error)

	// ListActive returns sessions in CREATED or RUNNING, most recently
	// started first.
	ListActive(ctx context.Context) ([]*Session, error)

	// Delete removes a session record.
	Delete(ctx context.Context, id string) error

	// UpdateStatus atomically sets the status, bumps lastActivityAt, and
	// stamps completedAt when the new status is terminal. Returns the
	// updated session.
	UpdateStatus(ctx context.Context, id string, status Status) (*Session, error)

	// CleanupOldSessions deletes terminal sessions whose completedAt (or
	// lastActivityAt when unset) is older than maxAgeDays. Active sessions
	// are never purged. Returns the number deleted.
	CleanupOldSessions(ctx context.Context, maxAgeDays int) (int, error)

	// Close releases any underlying resources.
	Close() error
}
