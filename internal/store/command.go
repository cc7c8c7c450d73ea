package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CommandStore owns the command audit database. Rows are written by the
// enqueue path and the consuming worker only; status moves strictly along
// pending -> processing -> (sent | failed).
type CommandStore struct {
	db *sqlx.DB
}

// NewCommandStore opens the command database, creates the schema on an
// empty file, and recovers rows orphaned by a previous crash: any row
// still marked processing flips back to pending so it is re-dispatched.
func NewCommandStore(path string) (*CommandStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	s := &CommandStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *CommandStore) Close() error {
	return s.db.Close()
}

func (s *CommandStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'api',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		sent_at DATETIME,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_commands_session_created ON commands(session_key, created_at);
	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert appends a new pending command row.
func (s *CommandStore) Insert(ctx context.Context, row *CommandRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Status == "" {
		row.Status = StatusPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO commands (id, session_key, payload, source, status, created_at, retry_count, last_error)
		VALUES (:id, :session_key, :payload, :source, :status, :created_at, :retry_count, :last_error)
	`, row)
	return err
}

// Get returns one command row by job id.
func (s *CommandStore) Get(ctx context.Context, id string) (*CommandRow, error) {
	var row CommandRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, session_key, payload, source, status, created_at, sent_at, retry_count, last_error
		FROM commands WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// MarkProcessing claims a pending row for a worker: status becomes
// processing and the retry count increments. Returns ErrNotFound when the
// row is not claimable (already sent, failed, or held by another worker).
func (s *CommandStore) MarkProcessing(ctx context.Context, id string) (*CommandRow, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, retry_count = retry_count + 1
		WHERE id = ? AND status = ?
	`, StatusProcessing, id, StatusPending)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// MarkSent finalizes a processing row as sent.
func (s *CommandStore) MarkSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, sent_at = ? WHERE id = ? AND status = ?
	`, StatusSent, time.Now().UTC(), id, StatusProcessing)
	return err
}

// MarkRetrying records the failure and moves the row back to pending for
// the next attempt.
func (s *CommandStore) MarkRetrying(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, last_error = ? WHERE id = ? AND status = ?
	`, StatusPending, lastError, id, StatusProcessing)
	return err
}

// MarkFailed finalizes a processing row as failed.
func (s *CommandStore) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, last_error = ? WHERE id = ? AND status = ?
	`, StatusFailed, lastError, id, StatusProcessing)
	return err
}

// ListBySession returns the most recent command rows for a session,
// newest first.
func (s *CommandStore) ListBySession(ctx context.Context, sessionKey string, limit int) ([]*CommandRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*CommandRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_key, payload, source, status, created_at, sent_at, retry_count, last_error
		FROM commands WHERE session_key = ?
		ORDER BY created_at DESC LIMIT ?
	`, sessionKey, limit)
	return rows, err
}

// CountByStatus returns the number of rows in the given status.
func (s *CommandStore) CountByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM commands WHERE status = ?`, status)
	return count, err
}

// RecoverOrphans flips rows stuck in processing (from a crashed worker)
// back to pending and returns them together with any rows that were
// already pending, oldest first, so the queue can re-dispatch them.
// Orphans that already spent their attempt budget are finalized as
// failed instead of being re-dispatched.
func (s *CommandStore) RecoverOrphans(ctx context.Context, maxAttempts int) ([]*CommandRow, error) {
	if maxAttempts > 0 {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE commands SET status = ?, last_error = ?
			WHERE status = ? AND retry_count >= ?
		`, StatusFailed, "attempts exhausted before restart", StatusProcessing, maxAttempts); err != nil {
			return nil, err
		}
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ? WHERE status = ?
	`, StatusPending, StatusProcessing); err != nil {
		return nil, err
	}
	var rows []*CommandRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_key, payload, source, status, created_at, sent_at, retry_count, last_error
		FROM commands WHERE status = ? ORDER BY created_at ASC
	`, StatusPending)
	return rows, err
}
