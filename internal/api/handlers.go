// Package api is the HTTP control surface: session inspection, command
// submission, alert suppression, and the operator stats summary.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/alert"
	"github.com/zoid/zoid/internal/command"
	"github.com/zoid/zoid/internal/common/errors"
	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/eventlog"
	"github.com/zoid/zoid/internal/state"
	"github.com/zoid/zoid/internal/store"
	"github.com/zoid/zoid/internal/supervisor"
)

// Handler contains the HTTP handlers for the control surface.
type Handler struct {
	registry *supervisor.Registry
	queue    *command.Queue
	gate     *alert.Gate
	state    *store.StateStore
	commands *store.CommandStore
	eventLog *eventlog.Log
	started  time.Time
	logger   *logger.Logger

	// pushClients reports the connected WebSocket client count.
	pushClients func() int
}

// NewHandler creates an API handler.
func NewHandler(registry *supervisor.Registry, queue *command.Queue, gate *alert.Gate, stateStore *store.StateStore, commandStore *store.CommandStore, eventLog *eventlog.Log, pushClients func() int, log *logger.Logger) *Handler {
	return &Handler{
		registry:    registry,
		queue:       queue,
		gate:        gate,
		state:       stateStore,
		commands:    commandStore,
		eventLog:    eventLog,
		started:     time.Now(),
		logger:      log.WithFields(zap.String("component", "api")),
		pushClients: pushClients,
	}
}

// GetHealth returns liveness plus the push client count.
// GET /health
func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		PushClients: h.pushClients(),
		Timestamp:   time.Now().UTC(),
	})
}

// ListAgents returns every supervised session.
// GET /api/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.registry.List()
	c.JSON(http.StatusOK, AgentsResponse{Agents: agents, Count: len(agents)})
}

// GetAgent returns one supervised session.
// GET /api/agents/:key
func (h *Handler) GetAgent(c *gin.Context) {
	key := c.Param("key")
	sup, ok := h.registry.Get(key)
	if !ok {
		appErr := errors.NotFound("agent", key)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, sup.Snapshot())
}

// GetOutput captures the session's pane on demand.
// GET /api/agents/:key/output?lines=N
func (h *Handler) GetOutput(c *gin.Context) {
	key := c.Param("key")
	sup, ok := h.registry.Get(key)
	if !ok {
		appErr := errors.NotFound("agent", key)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	lines := queryInt(c, "lines", 0)
	output, err := sup.Output(c.Request.Context(), lines)
	if err != nil {
		h.logger.Error("pane capture failed", zap.String("session", key), zap.Error(err))
		appErr := errors.InternalError("failed to capture output", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, OutputResponse{
		Session: key,
		Output:  output,
		Lines:   len(strings.Split(strings.TrimRight(output, "\n"), "\n")),
	})
}

// PostCommand enqueues a command for a session.
// POST /api/agents/:key/command
func (h *Handler) PostCommand(c *gin.Context) {
	key := c.Param("key")

	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		appErr := errors.BadRequest("command is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	jobID, err := h.queue.Enqueue(c.Request.Context(), key, req.Command, req.Source)
	if err != nil {
		h.logger.Error("failed to enqueue command", zap.String("session", key), zap.Error(err))
		appErr := errors.InternalError("failed to enqueue command", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, CommandResponse{JobID: jobID, Status: "queued"})
}

// PostNudge enqueues the canned nudge for a session.
// POST /api/agents/:key/nudge
func (h *Handler) PostNudge(c *gin.Context) {
	key := c.Param("key")
	jobID, err := h.queue.Nudge(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("failed to enqueue nudge", zap.String("session", key), zap.Error(err))
		appErr := errors.InternalError("failed to enqueue nudge", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, CommandResponse{JobID: jobID, Status: "queued"})
}

// ListCommands returns a session's command history.
// GET /api/agents/:key/commands?limit=N
func (h *Handler) ListCommands(c *gin.Context) {
	key := c.Param("key")
	rows, err := h.commands.ListBySession(c.Request.Context(), key, queryInt(c, "limit", 0))
	if err != nil {
		appErr := errors.InternalError("failed to list commands", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if rows == nil {
		rows = []*store.CommandRow{}
	}
	c.JSON(http.StatusOK, CommandsResponse{Commands: rows})
}

// GetLog returns a session's interaction history.
// GET /api/agents/:key/log?limit=N
func (h *Handler) GetLog(c *gin.Context) {
	key := c.Param("key")
	rows, err := h.state.ListInteractions(c.Request.Context(), key, queryInt(c, "limit", 0))
	if err != nil {
		appErr := errors.InternalError("failed to list interaction log", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if rows == nil {
		rows = []*store.InteractionLogEntry{}
	}
	c.JSON(http.StatusOK, LogResponse{Log: rows})
}

// KillAgent terminates a session's tmux process.
// POST /api/agents/:key/kill
func (h *Handler) KillAgent(c *gin.Context) {
	key := c.Param("key")
	sup, ok := h.registry.Get(key)
	if !ok {
		appErr := errors.NotFound("agent", key)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.state.AppendInteraction(c.Request.Context(), &store.InteractionLogEntry{
		SessionKey: key,
		Actor:      store.ActorAPI,
		Action:     store.ActionKill,
	}); err != nil {
		h.logger.Warn("failed to append interaction log", zap.Error(err))
	}

	if err := sup.Kill(c.Request.Context(), store.ActorAPI); err != nil {
		h.logger.Warn("kill returned error", zap.String("session", key), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetStats returns the operator summary.
// GET /api/stats
func (h *Handler) GetStats(c *gin.Context) {
	byState := make(map[string]int, len(state.All))
	for _, s := range state.All {
		byState[string(s)] = 0
	}
	agents := h.registry.List()
	for _, snap := range agents {
		byState[string(snap.State)]++
	}

	pending, err := h.commands.CountByStatus(c.Request.Context(), store.StatusPending)
	if err != nil {
		appErr := errors.InternalError("failed to count pending commands", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, StatsResponse{
		Agents:   AgentStats{Total: len(agents), ByState: byState},
		Commands: CommandStats{Pending: pending},
		Uptime:   time.Since(h.started).Seconds(),
	})
}

// GetEvents returns recent events from the durable log.
// GET /api/events?limit=N
func (h *Handler) GetEvents(c *gin.Context) {
	recent, err := h.eventLog.Recent(c.Request.Context(), queryInt(c, "limit", 0))
	if err != nil {
		appErr := errors.InternalError("failed to list events", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, EventsResponse{Events: recent})
}

// GetAlertStates returns the per-session alert records.
// GET /api/alerts/states
func (h *Handler) GetAlertStates(c *gin.Context) {
	c.JSON(http.StatusOK, AlertStatesResponse{States: h.gate.States()})
}

// SuppressAlerts opens a suppression window for a session.
// POST /api/alerts/:key/suppress
func (h *Handler) SuppressAlerts(c *gin.Context) {
	key := c.Param("key")

	var req SuppressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Duration <= 0 {
		appErr := errors.BadRequest("duration must be a positive number of minutes")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.gate.Suppress(key, time.Duration(req.Duration)*time.Minute)
	if err := h.state.AppendInteraction(c.Request.Context(), &store.InteractionLogEntry{
		SessionKey: key,
		Actor:      store.ActorAPI,
		Action:     store.ActionSuppressAlerts,
		Content:    strconv.Itoa(req.Duration) + "m",
	}); err != nil {
		h.logger.Warn("failed to append interaction log", zap.Error(err))
	}
	c.JSON(http.StatusOK, SuppressResponse{Success: true, SuppressedForMinutes: req.Duration})
}

// UnsuppressAlerts clears a session's suppression window.
// POST /api/alerts/:key/unsuppress
func (h *Handler) UnsuppressAlerts(c *gin.Context) {
	key := c.Param("key")
	h.gate.Unsuppress(key)
	if err := h.state.AppendInteraction(c.Request.Context(), &store.InteractionLogEntry{
		SessionKey: key,
		Actor:      store.ActorAPI,
		Action:     store.ActionUnsuppressAlerts,
	}); err != nil {
		h.logger.Warn("failed to append interaction log", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
