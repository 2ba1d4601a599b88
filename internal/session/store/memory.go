// Package store provides session persistence backends: in-memory,
// one-file-per-session, and SQL (SQLite or PostgreSQL).
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/session"
)

// MemoryStore provides in-memory session storage.
type MemoryStore struct {
	sessions map[string]*session.Session
	mu       sync.RWMutex
}

// Ensure MemoryStore implements the store contract
var _ session.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session.Session),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Save upserts a session. The stored record is a copy so callers may keep
// mutating their instance without racing readers.
func (s *MemoryStore) Save(ctx context.Context, sess *session.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Load retrieves a session by ID. Unknown ids return (nil, nil).
func (s *MemoryStore) Load(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

// LoadByIssue retrieves the most recently active session for an issue.
func (s *MemoryStore) LoadByIssue(ctx context.Context, issueID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*session.Session
	for _, sess := range s.sessions {
		if sess.IssueID == issueID {
			matches = append(matches, sess)
		}
	}
	return mostRecentlyActive(matches).Clone(), nil
}

// List returns all sessions, most recently started first.
func (s *MemoryStore) List(ctx context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, sess.Clone())
	}
	sortByStartedAtDesc(result)
	return result, nil
}

// ListActive returns sessions in CREATED or RUNNING.
func (s *MemoryStore) ListActive(ctx context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*session.Session
	for _, sess := range s.sessions {
		if sess.Status.IsActive() {
			result = append(result, sess.Clone())
		}
	}
	sortByStartedAtDesc(result)
	return result, nil
}

// Delete removes a session by ID.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	delete(s.sessions, id)
	return nil
}

// UpdateStatus atomically transitions a session's status.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status session.Status) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}

	applyStatus(sess, status)
	return sess.Clone(), nil
}

// CleanupOldSessions deletes terminal sessions older than maxAgeDays.
func (s *MemoryStore) CleanupOldSessions(ctx context.Context, maxAgeDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	count := 0
	for id, sess := range s.sessions {
		if purgeable(sess, cutoff) {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

// applyStatus mutates a session for a status transition: status, activity
// timestamp, and completion timestamp when the new status is terminal.
func applyStatus(sess *session.Session, status session.Status) {
	now := time.Now().UTC()
	sess.Status = status
	sess.LastActivityAt = now
	if status.IsTerminal() {
		sess.CompletedAt = &now
	} else {
		sess.CompletedAt = nil
	}
}

// purgeable reports whether a session is terminal and past the cutoff.
// Sessions without a completion timestamp fall back to last activity.
func purgeable(sess *session.Session, cutoff time.Time) bool {
	if !sess.Status.IsTerminal() {
		return false
	}
	ref := sess.LastActivityAt
	if sess.CompletedAt != nil {
		ref = *sess.CompletedAt
	}
	return ref.Before(cutoff)
}

// mostRecentlyActive picks the session with the latest lastActivityAt,
// breaking ties by startedAt descending. Returns nil for an empty slice.
func mostRecentlyActive(sessions []*session.Session) *session.Session {
	var best *session.Session
	for _, sess := range sessions {
		if best == nil {
			best = sess
			continue
		}
		if sess.LastActivityAt.After(best.LastActivityAt) {
			best = sess
			continue
		}
		if sess.LastActivityAt.Equal(best.LastActivityAt) && sess.StartedAt.After(best.StartedAt) {
			best = sess
		}
	}
	return best
}

func sortByStartedAtDesc(sessions []*session.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
}
