package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// StateStore owns the state database: current session state, interaction
// log, task-spec cache, alert log, and the retained event log.
type StateStore struct {
	db            *sqlx.DB
	retainedCount int
}

// NewStateStore opens the state database and creates the schema on an
// empty file. retainedCount bounds the durable event log.
func NewStateStore(path string, retainedCount int) (*StateStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	s := &StateStore{db: db, retainedCount: retainedCount}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *StateStore) Close() error {
	return s.db.Close()
}

func (s *StateStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_states (
		session_key TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		percent INTEGER NOT NULL DEFAULT 0,
		indicators TEXT NOT NULL DEFAULT '{}',
		last_activity DATETIME NOT NULL,
		last_output_tail TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS interaction_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS task_specs (
		session_key TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		total_tasks INTEGER NOT NULL,
		completed_tasks INTEGER NOT NULL,
		items TEXT NOT NULL DEFAULT '[]',
		cached_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		event_kind TEXT NOT NULL,
		message TEXT NOT NULL,
		delivery_mode TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events_log (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		session_key TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_interaction_log_session_ts ON interaction_log(session_key, timestamp);
	CREATE INDEX IF NOT EXISTS idx_alerts_log_session ON alerts_log(session_key, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_log_ts ON events_log(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertSessionState writes the current state row for a session.
func (s *StateStore) UpsertSessionState(ctx context.Context, row *SessionStateRow) error {
	row.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO session_states (session_key, state, percent, indicators, last_activity, last_output_tail, updated_at)
		VALUES (:session_key, :state, :percent, :indicators, :last_activity, :last_output_tail, :updated_at)
		ON CONFLICT(session_key) DO UPDATE SET
			state = excluded.state,
			percent = excluded.percent,
			indicators = excluded.indicators,
			last_activity = excluded.last_activity,
			last_output_tail = excluded.last_output_tail,
			updated_at = excluded.updated_at
	`, row)
	return err
}

// GetSessionState returns the persisted state for one session.
func (s *StateStore) GetSessionState(ctx context.Context, sessionKey string) (*SessionStateRow, error) {
	var row SessionStateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT session_key, state, percent, indicators, last_activity, last_output_tail, updated_at
		FROM session_states WHERE session_key = ?
	`, sessionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListSessionStates returns every persisted session state.
func (s *StateStore) ListSessionStates(ctx context.Context) ([]*SessionStateRow, error) {
	var rows []*SessionStateRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT session_key, state, percent, indicators, last_activity, last_output_tail, updated_at
		FROM session_states ORDER BY session_key
	`)
	return rows, err
}

// DeleteSessionState removes a session's state row.
func (s *StateStore) DeleteSessionState(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_states WHERE session_key = ?`, sessionKey)
	return err
}

// AppendInteraction appends one interaction log row.
func (s *StateStore) AppendInteraction(ctx context.Context, entry *InteractionLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Metadata == "" {
		entry.Metadata = "{}"
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO interaction_log (session_key, timestamp, actor, action, content, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.SessionKey, entry.Timestamp, entry.Actor, entry.Action, entry.Content, entry.Metadata)
	if err != nil {
		return err
	}
	entry.ID, _ = result.LastInsertId()
	return nil
}

// ListInteractions returns the most recent interaction rows for a
// session, newest first.
func (s *StateStore) ListInteractions(ctx context.Context, sessionKey string, limit int) ([]*InteractionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*InteractionLogEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_key, timestamp, actor, action, content, metadata
		FROM interaction_log WHERE session_key = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, sessionKey, limit)
	return rows, err
}

// UpsertTaskSpec writes the cached task spec for a session.
func (s *StateStore) UpsertTaskSpec(ctx context.Context, row *TaskSpecRow) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO task_specs (session_key, path, total_tasks, completed_tasks, items, cached_at)
		VALUES (:session_key, :path, :total_tasks, :completed_tasks, :items, :cached_at)
		ON CONFLICT(session_key) DO UPDATE SET
			path = excluded.path,
			total_tasks = excluded.total_tasks,
			completed_tasks = excluded.completed_tasks,
			items = excluded.items,
			cached_at = excluded.cached_at
	`, row)
	return err
}

// AppendAlert records one forwarded alert.
func (s *StateStore) AppendAlert(ctx context.Context, row *AlertLogRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts_log (session_key, event_kind, message, delivery_mode, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, row.SessionKey, row.EventKind, row.Message, row.DeliveryMode, row.CreatedAt)
	if err != nil {
		return err
	}
	row.ID, _ = result.LastInsertId()
	return nil
}

// ListAlerts returns the most recent forwarded alerts, newest first.
func (s *StateStore) ListAlerts(ctx context.Context, limit int) ([]*AlertLogRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*AlertLogRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_key, event_kind, message, delivery_mode, created_at
		FROM alerts_log ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	return rows, err
}

// AppendEvent appends an event to the durable log and prunes beyond the
// retention bound.
func (s *StateStore) AppendEvent(ctx context.Context, row *EventRow) error {
	if row.Payload == "" {
		row.Payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events_log (id, kind, session_key, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, row.ID, row.Kind, row.SessionKey, row.Payload, row.Timestamp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM events_log WHERE id NOT IN (
			SELECT id FROM events_log ORDER BY timestamp DESC LIMIT ?
		)
	`, s.retainedCount)
	return err
}

// ListEvents returns the most recent retained events, newest first.
func (s *StateStore) ListEvents(ctx context.Context, limit int) ([]*EventRow, error) {
	if limit <= 0 || limit > s.retainedCount {
		limit = s.retainedCount
	}
	var rows []*EventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, kind, session_key, payload, timestamp
		FROM events_log ORDER BY timestamp DESC LIMIT ?
	`, limit)
	return rows, err
}
