// Package events defines the event values published by the supervision
// engine and the subjects they travel on.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind enumerates every event the engine publishes. Events are immutable
// once published.
type Kind string

const (
	KindStateChange    Kind = "state_change"
	KindProgress       Kind = "progress"
	KindAgentStuck     Kind = "agent_stuck"
	KindAgentError     Kind = "agent_error"
	KindAgentComplete  Kind = "agent_complete"
	KindCommandSent    Kind = "command_sent"
	KindCommandFailed  Kind = "command_failed"
	KindSessionKilled  Kind = "session_killed"
	KindNudgeRequested Kind = "nudge_requested"
)

// AlertKinds are the kinds the alert gate considers for outbound
// notification.
var AlertKinds = map[Kind]bool{
	KindAgentStuck:     true,
	KindAgentError:     true,
	KindAgentComplete:  true,
	KindCommandFailed:  true,
	KindNudgeRequested: true,
}

// Event is a single occurrence in a supervised session's life.
type Event struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	SessionKey string                 `json:"session_key"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// New creates an event with a fresh UUID and the current time.
func New(kind Kind, sessionKey string, payload map[string]interface{}) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Kind:       kind,
		SessionKey: sessionKey,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// Subjects. Session events fan out on SubjectFor(kind); command dispatch
// jobs travel on SubjectCommandDispatch with a queue group so exactly one
// worker pool instance claims each job.
const (
	SubjectEventsPrefix    = "zoid.events."
	SubjectEventsWildcard  = "zoid.events.*"
	SubjectCommandDispatch = "zoid.commands.dispatch"
)

// SubjectFor returns the bus subject for an event kind.
func SubjectFor(kind Kind) string {
	return SubjectEventsPrefix + string(kind)
}
