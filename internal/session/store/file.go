package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/session"
)

// FileStore persists one JSON file per session under a directory. Timestamps
// serialize as RFC 3339 and statuses as lowercase names, so records survive
// process restarts and are readable by operators.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ session.Store = (*FileStore)(nil)

// NewFileStore creates a file-backed store, creating the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// Save upserts a session record. The write is atomic: a temp file in the
// same directory is renamed over the target, so readers never observe a
// partially written record.
func (s *FileStore) Save(ctx context.Context, sess *session.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(sess)
}

// Load retrieves a session by ID. Unknown ids return (nil, nil).
func (s *FileStore) Load(ctx context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// LoadByIssue retrieves the most recently active session for an issue.
func (s *FileStore) LoadByIssue(ctx context.Context, issueID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.readAll()
	if err != nil {
		return nil, err
	}
	var matches []*session.Session
	for _, sess := range sessions {
		if sess.IssueID == issueID {
			matches = append(matches, sess)
		}
	}
	return mostRecentlyActive(matches), nil
}

// List returns all sessions, most recently started first.
func (s *FileStore) List(ctx context.Context) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.readAll()
	if err != nil {
		return nil, err
	}
	sortByStartedAtDesc(sessions)
	return sessions, nil
}

// ListActive returns sessions in CREATED or RUNNING.
func (s *FileStore) ListActive(ctx context.Context) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.readAll()
	if err != nil {
		return nil, err
	}
	var result []*session.Session
	for _, sess := range sessions {
		if sess.Status.IsActive() {
			result = append(result, sess)
		}
	}
	sortByStartedAtDesc(result)
	return result, nil
}

// Delete removes a session record.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("session not found: %s", id)
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// UpdateStatus atomically transitions a session's status under the store lock.
func (s *FileStore) UpdateStatus(ctx context.Context, id string, status session.Status) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session not found: %s", id)
	}

	applyStatus(sess, status)
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// CleanupOldSessions deletes terminal sessions older than maxAgeDays.
func (s *FileStore) CleanupOldSessions(ctx context.Context, maxAgeDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.readAll()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	count := 0
	for _, sess := range sessions {
		if !purgeable(sess, cutoff) {
			continue
		}
		if err := os.Remove(s.path(sess.ID)); err != nil && !os.IsNotExist(err) {
			return count, fmt.Errorf("failed to delete session file: %w", err)
		}
		count++
	}
	return count, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) read(id string) (*session.Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", s.path(id), err)
	}
	return &sess, nil
}

func (s *FileStore) readAll() ([]*session.Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session store directory: %w", err)
	}

	var sessions []*session.Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sess, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

func (s *FileStore) write(sess *session.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+sess.ID+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(sess.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}
