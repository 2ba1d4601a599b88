package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentbridge/agentbridge/internal/session"
)

// timeLayout is a fixed-width RFC 3339 variant. Fixed width keeps the
// lexicographic order of stored strings equal to chronological order, which
// the LoadByIssue and cleanup queries rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore persists sessions in a relational database via sqlx. One
// implementation serves both the sqlite3 and pgx drivers; placeholders are
// rebound per driver and the schema sticks to portable SQL.
type SQLStore struct {
	db *sqlx.DB
}

var _ session.Store = (*SQLStore)(nil)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	issue_id TEXT NOT NULL,
	issue_identifier TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	branch_name TEXT NOT NULL DEFAULT '',
	working_dir TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	last_activity_at TEXT NOT NULL,
	completed_at TEXT,
	process_id TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	security_context TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_issue_id ON sessions(issue_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// NewSQLStore opens a database and initializes the schema. driver is
// "sqlite3" or "pgx"; dsn is the corresponding path or connection string.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// sessionRow is the flat database representation of a session.
type sessionRow struct {
	ID              string         `db:"id"`
	IssueID         string         `db:"issue_id"`
	IssueIdentifier string         `db:"issue_identifier"`
	Status          string         `db:"status"`
	BranchName      string         `db:"branch_name"`
	WorkingDir      string         `db:"working_dir"`
	StartedAt       string         `db:"started_at"`
	LastActivityAt  string         `db:"last_activity_at"`
	CompletedAt     sql.NullString `db:"completed_at"`
	ProcessID       string         `db:"process_id"`
	Error           string         `db:"error"`
	Metadata        string         `db:"metadata"`
	SecurityContext string         `db:"security_context"`
}

func toRow(sess *session.Session) (*sessionRow, error) {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session metadata: %w", err)
	}
	secCtx, err := json.Marshal(sess.SecurityContext)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize security context: %w", err)
	}

	row := &sessionRow{
		ID:              sess.ID,
		IssueID:         sess.IssueID,
		IssueIdentifier: sess.IssueIdentifier,
		Status:          string(sess.Status),
		BranchName:      sess.BranchName,
		WorkingDir:      sess.WorkingDir,
		StartedAt:       sess.StartedAt.UTC().Format(timeLayout),
		LastActivityAt:  sess.LastActivityAt.UTC().Format(timeLayout),
		ProcessID:       sess.ProcessID,
		Error:           sess.Error,
		Metadata:        string(metadata),
		SecurityContext: string(secCtx),
	}
	if sess.CompletedAt != nil {
		row.CompletedAt = sql.NullString{String: sess.CompletedAt.UTC().Format(timeLayout), Valid: true}
	}
	return row, nil
}

func (r *sessionRow) toSession() (*session.Session, error) {
	status, err := session.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	startedAt, err := time.Parse(timeLayout, r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	lastActivityAt, err := time.Parse(timeLayout, r.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_activity_at: %w", err)
	}

	sess := &session.Session{
		ID:              r.ID,
		IssueID:         r.IssueID,
		IssueIdentifier: r.IssueIdentifier,
		Status:          status,
		BranchName:      r.BranchName,
		WorkingDir:      r.WorkingDir,
		StartedAt:       startedAt,
		LastActivityAt:  lastActivityAt,
		ProcessID:       r.ProcessID,
		Error:           r.Error,
	}
	if r.CompletedAt.Valid {
		completedAt, err := time.Parse(timeLayout, r.CompletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		sess.CompletedAt = &completedAt
	}
	if err := json.Unmarshal([]byte(r.Metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(r.SecurityContext), &sess.SecurityContext); err != nil {
		return nil, fmt.Errorf("failed to deserialize security context: %w", err)
	}
	return sess, nil
}

// Save upserts a session record.
func (s *SQLStore) Save(ctx context.Context, sess *session.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	row, err := toRow(sess)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO sessions (id, issue_id, issue_identifier, status, branch_name, working_dir,
			started_at, last_activity_at, completed_at, process_id, error, metadata, security_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			issue_id = excluded.issue_id,
			issue_identifier = excluded.issue_identifier,
			status = excluded.status,
			branch_name = excluded.branch_name,
			working_dir = excluded.working_dir,
			started_at = excluded.started_at,
			last_activity_at = excluded.last_activity_at,
			completed_at = excluded.completed_at,
			process_id = excluded.process_id,
			error = excluded.error,
			metadata = excluded.metadata,
			security_context = excluded.security_context
	`)
	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.IssueID, row.IssueIdentifier, row.Status, row.BranchName, row.WorkingDir,
		row.StartedAt, row.LastActivityAt, row.CompletedAt, row.ProcessID, row.Error,
		row.Metadata, row.SecurityContext)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load retrieves a session by ID. Unknown ids return (nil, nil).
func (s *SQLStore) Load(ctx context.Context, id string) (*session.Session, error) {
	var row sessionRow
	query := s.db.Rebind(`SELECT * FROM sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return row.toSession()
}

// LoadByIssue retrieves the most recently active session for an issue.
func (s *SQLStore) LoadByIssue(ctx context.Context, issueID string) (*session.Session, error) {
	var row sessionRow
	query := s.db.Rebind(`
		SELECT * FROM sessions WHERE issue_id = ?
		ORDER BY last_activity_at DESC, started_at DESC LIMIT 1
	`)
	if err := s.db.GetContext(ctx, &row, query, issueID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session by issue: %w", err)
	}
	return row.toSession()
}

// List returns all sessions, most recently started first.
func (s *SQLStore) List(ctx context.Context) ([]*session.Session, error) {
	return s.query(ctx, `SELECT * FROM sessions ORDER BY started_at DESC`)
}

// ListActive returns sessions in CREATED or RUNNING.
func (s *SQLStore) ListActive(ctx context.Context) ([]*session.Session, error) {
	return s.query(ctx, `
		SELECT * FROM sessions WHERE status IN (?, ?)
		ORDER BY started_at DESC
	`, string(session.StatusCreated), string(session.StatusRunning))
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) ([]*session.Session, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]*session.Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Delete removes a session record.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// UpdateStatus atomically transitions a session's status in a single UPDATE.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status session.Status) (*session.Session, error) {
	now := time.Now().UTC().Format(timeLayout)
	completedAt := sql.NullString{}
	if status.IsTerminal() {
		completedAt = sql.NullString{String: now, Valid: true}
	}

	query := s.db.Rebind(`
		UPDATE sessions SET status = ?, last_activity_at = ?, completed_at = ?
		WHERE id = ?
	`)
	res, err := s.db.ExecContext(ctx, query, string(status), now, completedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return s.Load(ctx, id)
}

// CleanupOldSessions deletes terminal sessions older than maxAgeDays.
func (s *SQLStore) CleanupOldSessions(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays).Format(timeLayout)
	query := s.db.Rebind(`
		DELETE FROM sessions
		WHERE status IN (?, ?, ?)
		AND COALESCE(completed_at, last_activity_at) < ?
	`)
	res, err := s.db.ExecContext(ctx, query,
		string(session.StatusCompleted), string(session.StatusFailed), string(session.StatusCancelled),
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check cleanup result: %w", err)
	}
	return int(affected), nil
}
