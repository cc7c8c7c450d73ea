// Package store persists supervision state to local SQLite databases.
// Two files: the state database (session state, interaction log, task
// specs, alerts, event log) and the command database (command audit
// rows). Each database has a single writer.
package store

import (
	"time"
)

// Interaction log actors.
const (
	ActorUser   = "user"
	ActorSystem = "system"
	ActorZoid   = "zoid"
	ActorAPI    = "api"
)

// Interaction log actions.
const (
	ActionNudge            = "nudge"
	ActionSendCommand      = "send_command"
	ActionKill             = "kill"
	ActionStateChange      = "state_change"
	ActionSuppressAlerts   = "suppress_alerts"
	ActionUnsuppressAlerts = "unsuppress_alerts"
)

// Command lifecycle statuses. Transitions follow
// pending -> processing -> (sent | failed) only.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// SessionStateRow is the persisted copy of a session aggregate.
type SessionStateRow struct {
	SessionKey     string    `db:"session_key" json:"session_key"`
	State          string    `db:"state" json:"state"`
	Percent        int       `db:"percent" json:"percent"`
	IndicatorsJSON string    `db:"indicators" json:"-"`
	LastActivity   time.Time `db:"last_activity" json:"last_activity"`
	LastOutputTail string    `db:"last_output_tail" json:"-"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// InteractionLogEntry is one append-only audit row.
type InteractionLogEntry struct {
	ID         int64     `db:"id" json:"id"`
	SessionKey string    `db:"session_key" json:"session_key"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
	Actor      string    `db:"actor" json:"actor"`
	Action     string    `db:"action" json:"action"`
	Content    string    `db:"content" json:"content"`
	Metadata   string    `db:"metadata" json:"metadata,omitempty"`
}

// CommandRow is the audit row for one outbound command job.
type CommandRow struct {
	ID         string     `db:"id" json:"id"`
	SessionKey string     `db:"session_key" json:"session_key"`
	Payload    string     `db:"payload" json:"payload"`
	Source     string     `db:"source" json:"source"`
	Status     string     `db:"status" json:"status"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	SentAt     *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	RetryCount int        `db:"retry_count" json:"retry_count"`
	LastError  string     `db:"last_error" json:"last_error,omitempty"`
}

// TaskSpecRow is the cached task spec persisted for observability. The
// in-memory cache remains authoritative within a process lifetime.
type TaskSpecRow struct {
	SessionKey     string    `db:"session_key" json:"session_key"`
	Path           string    `db:"path" json:"path"`
	TotalTasks     int       `db:"total_tasks" json:"total_tasks"`
	CompletedTasks int       `db:"completed_tasks" json:"completed_tasks"`
	ItemsJSON      string    `db:"items" json:"-"`
	CachedAt       time.Time `db:"cached_at" json:"cached_at"`
}

// AlertLogRow records one forwarded alert.
type AlertLogRow struct {
	ID           int64     `db:"id" json:"id"`
	SessionKey   string    `db:"session_key" json:"session_key"`
	EventKind    string    `db:"event_kind" json:"event_kind"`
	Message      string    `db:"message" json:"message"`
	DeliveryMode string    `db:"delivery_mode" json:"delivery_mode"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// EventRow is one retained event in the durable log.
type EventRow struct {
	ID         string    `db:"id" json:"id"`
	Kind       string    `db:"kind" json:"kind"`
	SessionKey string    `db:"session_key" json:"session_key"`
	Payload    string    `db:"payload" json:"payload,omitempty"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
}
