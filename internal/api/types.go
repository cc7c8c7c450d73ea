package api

import (
	"time"

	"github.com/zoid/zoid/internal/alert"
	"github.com/zoid/zoid/internal/events"
	"github.com/zoid/zoid/internal/store"
	"github.com/zoid/zoid/internal/supervisor"
)

// CommandRequest is the body for POST /api/agents/:key/command.
type CommandRequest struct {
	Command string `json:"command"`
	Source  string `json:"source,omitempty"`
}

// CommandResponse acknowledges an enqueued command.
type CommandResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// SuppressRequest is the body for POST /api/alerts/:key/suppress.
type SuppressRequest struct {
	Duration int `json:"duration"` // minutes
}

// SuppressResponse acknowledges a suppression window.
type SuppressResponse struct {
	Success              bool `json:"success"`
	SuppressedForMinutes int  `json:"suppressedForMinutes"`
}

// AgentsResponse lists the supervised sessions.
type AgentsResponse struct {
	Agents []supervisor.Snapshot `json:"agents"`
	Count  int                   `json:"count"`
}

// OutputResponse carries an on-demand pane capture.
type OutputResponse struct {
	Session string `json:"session"`
	Output  string `json:"output"`
	Lines   int    `json:"lines"`
}

// CommandsResponse lists a session's command history.
type CommandsResponse struct {
	Commands []*store.CommandRow `json:"commands"`
}

// LogResponse lists a session's interaction history.
type LogResponse struct {
	Log []*store.InteractionLogEntry `json:"log"`
}

// StatsResponse is the operator summary.
type StatsResponse struct {
	Agents   AgentStats   `json:"agents"`
	Commands CommandStats `json:"commands"`
	Uptime   float64      `json:"uptime"` // seconds
}

// AgentStats summarizes the supervised sessions by state.
type AgentStats struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"byState"`
}

// CommandStats summarizes the command queue.
type CommandStats struct {
	Pending int `json:"pending"`
}

// EventsResponse lists recent events from the durable log.
type EventsResponse struct {
	Events []*events.Event `json:"events"`
}

// AlertStatesResponse lists the per-session alert records.
type AlertStatesResponse struct {
	States []alert.SessionState `json:"states"`
}

// HealthResponse is the health probe body.
type HealthResponse struct {
	Status      string    `json:"status"`
	PushClients int       `json:"pushClients"`
	Timestamp   time.Time `json:"timestamp"`
}
