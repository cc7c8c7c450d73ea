package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoid/zoid/internal/alert"
	"github.com/zoid/zoid/internal/command"
	"github.com/zoid/zoid/internal/common/config"
	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/eventlog"
	"github.com/zoid/zoid/internal/events"
	"github.com/zoid/zoid/internal/events/bus"
	ws "github.com/zoid/zoid/internal/gateway/websocket"
	"github.com/zoid/zoid/internal/progress"
	"github.com/zoid/zoid/internal/state"
	"github.com/zoid/zoid/internal/store"
	"github.com/zoid/zoid/internal/supervisor"
	"github.com/zoid/zoid/internal/tmux"
)

// fakeTmux scripts the tmux server behind the API fixture.
type fakeTmux struct {
	mu       sync.Mutex
	sessions map[string]string
}

func (f *fakeTmux) client() *tmux.Client {
	return tmux.NewClient(tmux.WithRunner(func(ctx context.Context, args ...string) (string, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch args[0] {
		case "list-sessions":
			out := ""
			for name := range f.sessions {
				out += name + "\t1700000000\n"
			}
			return out, nil
		case "has-session":
			if _, ok := f.sessions[args[2]]; ok {
				return "", nil
			}
			return "can't find session", errors.New("exit status 1")
		case "capture-pane":
			if content, ok := f.sessions[args[2]]; ok {
				return content, nil
			}
			return "can't find session", errors.New("exit status 1")
		case "send-keys":
			return "", nil
		case "kill-session":
			delete(f.sessions, args[2])
			return "", nil
		default:
			return "", nil
		}
	}))
}

type apiFixture struct {
	router   *gin.Engine
	tmux     *fakeTmux
	registry *supervisor.Registry
	commands *store.CommandStore
	state    *store.StateStore
	gate     *alert.Gate
}

type registrySender struct {
	registry *supervisor.Registry
}

func (s *registrySender) Send(ctx context.Context, sessionKey, payload string) error {
	sup, ok := s.registry.Get(sessionKey)
	if !ok {
		return errors.New("session is not supervised")
	}
	return sup.SendKeys(ctx, payload, true)
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	dir := t.TempDir()
	stateStore, err := store.NewStateStore(filepath.Join(dir, "zoid.db"), 50)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stateStore.Close() })

	commandStore, err := store.NewCommandStore(filepath.Join(dir, "commands.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = commandStore.Close() })

	cfg := &config.Config{
		Monitor: config.MonitorConfig{
			PollIntervalMs: 3600000,
			StuckThreshold: 300,
			CaptureLines:   200,
		},
		Commands: config.CommandsConfig{
			Concurrency:       1,
			RatePerSecond:     1000,
			MaxAttempts:       3,
			BackoffBaseMs:     1,
			BackoffMultiplier: 2.0,
		},
		Alerts: config.AlertsConfig{
			Policy:       alert.PolicyNone,
			DeliveryMode: alert.ModeDirect,
		},
	}
	cfgStore := config.NewStore("", cfg)

	memBus := bus.NewMemoryBus(log)
	t.Cleanup(memBus.Close)
	eventLog := eventlog.NewLog(stateStore)
	publisher := eventlog.NewPublisher(memBus, eventLog, log)

	ft := &fakeTmux{sessions: map[string]string{}}
	registry := supervisor.NewRegistry(supervisor.Deps{
		Client:     ft.client(),
		Config:     cfgStore,
		Classifier: state.New(state.DefaultVocabulary),
		Parser:     progress.NewParser(state.DefaultVocabulary, nil, nil),
		Store:      stateStore,
		Publisher:  publisher,
		Logger:     log,
	})

	queue := command.NewQueue(commandStore, stateStore, memBus, publisher, cfgStore, &registrySender{registry: registry}, log)
	notifier := alert.NewNotifier(log, alert.WithNotifyRunner(func(context.Context, string, ...string) error { return nil }))
	gate := alert.NewGate(memBus, notifier, cfgStore, stateStore, log)

	hub := ws.NewHub(eventLog, log)
	handler := NewHandler(registry, queue, gate, stateStore, commandStore, eventLog, hub.GetClientCount, log)
	router := SetupRouter(handler, ws.NewHandler(hub, log), log)

	return &apiFixture{
		router:   router,
		tmux:     ft,
		registry: registry,
		commands: commandStore,
		state:    stateStore,
		gate:     gate,
	}
}

func (f *apiFixture) addSession(t *testing.T, key, pane string) {
	t.Helper()
	f.tmux.mu.Lock()
	f.tmux.sessions[key] = pane
	f.tmux.mu.Unlock()
	require.NoError(t, f.registry.Add(context.Background(), key))
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestGetHealth(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, resp.PushClients)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestListAgents(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var empty AgentsResponse
	decode(t, w, &empty)
	assert.Zero(t, empty.Count)

	f.addSession(t, "demo", "booting\n")
	w = f.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp AgentsResponse
	decode(t, w, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "demo", resp.Agents[0].SessionKey)
	assert.Equal(t, state.Initializing, resp.Agents[0].State)
}

func TestGetAgent_NotFound(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/agents/ghost", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]interface{}
	decode(t, w, &resp)
	assert.Equal(t, "NOT_FOUND", resp["code"])
}

func TestGetOutput(t *testing.T) {
	f := newAPIFixture(t)
	f.addSession(t, "demo", "line one\nline two\n")

	w := f.do(t, http.MethodGet, "/api/agents/demo/output?lines=50", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp OutputResponse
	decode(t, w, &resp)
	assert.Equal(t, "demo", resp.Session)
	assert.Equal(t, "line one\nline two\n", resp.Output)
	assert.Equal(t, 2, resp.Lines)
}

func TestPostCommand(t *testing.T) {
	f := newAPIFixture(t)
	f.addSession(t, "demo", "booting\n")

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/api/agents/demo/command", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Empty command.
	w = f.do(t, http.MethodPost, "/api/agents/demo/command", CommandRequest{Command: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Valid command is accepted and persisted.
	w = f.do(t, http.MethodPost, "/api/agents/demo/command", CommandRequest{Command: "continue"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp CommandResponse
	decode(t, w, &resp)
	assert.Equal(t, "queued", resp.Status)
	require.NotEmpty(t, resp.JobID)

	row, err := f.commands.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "continue", row.Payload)
}

func TestPostNudge(t *testing.T) {
	f := newAPIFixture(t)
	f.addSession(t, "demo", "booting\n")

	w := f.do(t, http.MethodPost, "/api/agents/demo/nudge", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp CommandResponse
	decode(t, w, &resp)
	assert.Equal(t, "queued", resp.Status)

	row, err := f.commands.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, command.NudgePayload, row.Payload)
}

func TestListCommandsAndLog(t *testing.T) {
	f := newAPIFixture(t)
	f.addSession(t, "demo", "booting\n")

	// No history yet: empty arrays, not null.
	w := f.do(t, http.MethodGet, "/api/agents/demo/commands", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cmds CommandsResponse
	decode(t, w, &cmds)
	assert.NotNil(t, cmds.Commands)
	assert.Empty(t, cmds.Commands)

	f.do(t, http.MethodPost, "/api/agents/demo/command", CommandRequest{Command: "continue"})

	w = f.do(t, http.MethodGet, "/api/agents/demo/commands", nil)
	decode(t, w, &cmds)
	require.Len(t, cmds.Commands, 1)
	assert.Equal(t, "continue", cmds.Commands[0].Payload)

	w = f.do(t, http.MethodGet, "/api/agents/demo/log", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logResp LogResponse
	decode(t, w, &logResp)
	require.NotEmpty(t, logResp.Log)
	assert.Equal(t, store.ActionSendCommand, logResp.Log[0].Action)
}

func TestKillAgent(t *testing.T) {
	f := newAPIFixture(t)
	f.addSession(t, "demo", "booting\n")

	w := f.do(t, http.MethodPost, "/api/agents/demo/kill", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// The session is unregistered afterwards.
	_, ok := f.registry.Get("demo")
	assert.False(t, ok)

	w = f.do(t, http.MethodPost, "/api/agents/demo/kill", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStats(t *testing.T) {
	f := newAPIFixture(t)
	f.addSession(t, "demo", "booting\n")
	f.do(t, http.MethodPost, "/api/agents/demo/command", CommandRequest{Command: "continue"})

	w := f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Agents.Total)
	assert.Len(t, resp.Agents.ByState, len(state.All), "every state appears, zeroes included")
	assert.Equal(t, 1, resp.Agents.ByState[string(state.Initializing)])
	assert.Equal(t, 0, resp.Agents.ByState[string(state.Working)])
	assert.Equal(t, 1, resp.Commands.Pending)
	assert.GreaterOrEqual(t, resp.Uptime, 0.0)
}

func TestGetEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.addSession(t, "demo", "booting\n")

	w := f.do(t, http.MethodGet, "/api/events?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp EventsResponse
	decode(t, w, &resp)
	require.NotEmpty(t, resp.Events, "registration publishes state_change")
	assert.Equal(t, events.KindStateChange, resp.Events[0].Kind)
}

func TestSuppressAndUnsuppress(t *testing.T) {
	f := newAPIFixture(t)

	// Duration must be positive.
	w := f.do(t, http.MethodPost, "/api/alerts/demo/suppress", SuppressRequest{Duration: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/alerts/demo/suppress", SuppressRequest{Duration: 15})
	require.Equal(t, http.StatusOK, w.Code)
	var resp SuppressResponse
	decode(t, w, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 15, resp.SuppressedForMinutes)

	w = f.do(t, http.MethodGet, "/api/alerts/states", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var states AlertStatesResponse
	decode(t, w, &states)
	require.Len(t, states.States, 1)
	assert.Equal(t, "demo", states.States[0].SessionKey)
	require.NotNil(t, states.States[0].SuppressedUntil)

	w = f.do(t, http.MethodPost, "/api/alerts/demo/unsuppress", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Both actions are audited.
	entries, err := f.state.ListInteractions(context.Background(), "demo", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.ActionUnsuppressAlerts, entries[0].Action)
	assert.Equal(t, store.ActionSuppressAlerts, entries[1].Action)
	assert.Equal(t, "15m", entries[1].Content)
}
