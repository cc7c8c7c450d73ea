package alert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoid/zoid/internal/common/config"
	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/events"
	"github.com/zoid/zoid/internal/events/bus"
	"github.com/zoid/zoid/internal/state"
	"github.com/zoid/zoid/internal/store"
)

type capturedNotify struct {
	title   string
	message string
}

// notifyRecorder captures notifier subprocess invocations. A non-nil
// err makes every delivery fail.
type notifyRecorder struct {
	mu    sync.Mutex
	calls []capturedNotify
	err   error
}

func (r *notifyRecorder) runner(ctx context.Context, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// The last two args carry title and message for notify-send; keep it
	// simple and record the raw invocation.
	call := capturedNotify{}
	if len(args) >= 2 {
		call.title = args[len(args)-2]
		call.message = args[len(args)-1]
	}
	r.calls = append(r.calls, call)
	return r.err
}

func (r *notifyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestGate(t *testing.T, policy string) (*Gate, *notifyRecorder, *time.Time) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := &config.Config{
		Alerts: config.AlertsConfig{
			Policy:            policy,
			RateLimitWindow:   300,
			BatchWindow:       30,
			BackoffBase:       60,
			BackoffCap:        3600,
			BackoffMultiplier: 2.0,
			DeliveryMode:      ModeDirect,
		},
	}
	cfgStore := config.NewStore("", cfg)

	st, err := store.NewStateStore(filepath.Join(t.TempDir(), "zoid.db"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	recorder := &notifyRecorder{}
	notifier := NewNotifier(log, WithNotifyRunner(recorder.runner))

	gate := NewGate(bus.NewMemoryBus(log), notifier, cfgStore, st, log)
	now := time.Unix(10000, 0).UTC()
	clock := &now
	gate.now = func() time.Time { return *clock }
	return gate, recorder, clock
}

func stuckEvent(session string) *events.Event {
	return events.New(events.KindAgentStuck, session, map[string]interface{}{"idle_seconds": 301})
}

func TestGate_PolicyNoneForwardsEverything(t *testing.T) {
	gate, recorder, _ := newTestGate(t, PolicyNone)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	}
	assert.Equal(t, 3, recorder.count())
}

func TestGate_NonAlertKindsIgnored(t *testing.T) {
	gate, recorder, _ := newTestGate(t, PolicyNone)
	ctx := context.Background()

	require.NoError(t, gate.handle(ctx, events.New(events.KindProgress, "demo", nil)))
	require.NoError(t, gate.handle(ctx, events.New(events.KindStateChange, "demo", nil)))
	assert.Zero(t, recorder.count())
}

func TestGate_RateLimitWindow(t *testing.T) {
	gate, recorder, clock := newTestGate(t, PolicyRateLimit)
	ctx := context.Background()

	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 1, recorder.count())

	// Within the window: dropped.
	*clock = clock.Add(100 * time.Second)
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 1, recorder.count())

	// Other sessions and kinds are unaffected.
	require.NoError(t, gate.handle(ctx, stuckEvent("other")))
	assert.Equal(t, 2, recorder.count())

	// Past the window: forwards again.
	*clock = clock.Add(201 * time.Second)
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 3, recorder.count())
}

func TestGate_ExponentialBackoffGrows(t *testing.T) {
	gate, recorder, clock := newTestGate(t, PolicyExponentialBackoff)
	ctx := context.Background()

	// First event forwards, next eligible in 60s.
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 1, recorder.count())

	*clock = clock.Add(30 * time.Second)
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 1, recorder.count())

	// Past 60s: forwards, interval doubles to 120s.
	*clock = clock.Add(31 * time.Second)
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 2, recorder.count())

	*clock = clock.Add(100 * time.Second)
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 2, recorder.count())

	*clock = clock.Add(21 * time.Second)
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 3, recorder.count())
}

func TestBackoffInterval_Cap(t *testing.T) {
	base := 60 * time.Second
	assert.Equal(t, 60*time.Second, backoffInterval(base, 2.0, 0, time.Hour))
	assert.Equal(t, 120*time.Second, backoffInterval(base, 2.0, 1, time.Hour))
	assert.Equal(t, time.Hour, backoffInterval(base, 2.0, 10, time.Hour))
}

func TestGate_BatchDedupsLatestWins(t *testing.T) {
	gate, recorder, _ := newTestGate(t, PolicyBatch)
	ctx := context.Background()

	first := stuckEvent("demo")
	second := events.New(events.KindAgentStuck, "demo", map[string]interface{}{"idle_seconds": 500})
	require.NoError(t, gate.handle(ctx, first))
	require.NoError(t, gate.handle(ctx, second))
	require.NoError(t, gate.handle(ctx, events.New(events.KindAgentError, "demo", nil)))

	// Nothing forwarded until the flush.
	assert.Zero(t, recorder.count())

	gate.Flush(ctx)
	assert.Equal(t, 2, recorder.count(), "one per (session, kind), latest payload wins")

	recorder.mu.Lock()
	messages := make([]string, 0, len(recorder.calls))
	for _, c := range recorder.calls {
		messages = append(messages, c.message)
	}
	recorder.mu.Unlock()
	assert.Contains(t, messages, "agent stuck (idle 500s)")

	// Flush drained the batch.
	gate.Flush(ctx)
	assert.Equal(t, 2, recorder.count())
}

func TestGate_SuppressionOverridesPolicy(t *testing.T) {
	gate, recorder, clock := newTestGate(t, PolicyNone)
	ctx := context.Background()

	gate.Suppress("demo", 10*time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	}
	assert.Zero(t, recorder.count())

	// Other sessions unaffected.
	require.NoError(t, gate.handle(ctx, stuckEvent("other")))
	assert.Equal(t, 1, recorder.count())

	// Window expires.
	*clock = clock.Add(11 * time.Minute)
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 2, recorder.count())
}

func TestGate_SuppressLastWriterWins(t *testing.T) {
	gate, recorder, clock := newTestGate(t, PolicyNone)
	ctx := context.Background()

	gate.Suppress("demo", time.Hour)
	gate.Suppress("demo", time.Minute)

	*clock = clock.Add(2 * time.Minute)
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 1, recorder.count(), "the shorter, later window governs")
}

func TestGate_UnsuppressIsIdempotent(t *testing.T) {
	gate, recorder, _ := newTestGate(t, PolicyNone)
	ctx := context.Background()

	gate.Suppress("demo", time.Hour)
	gate.Unsuppress("demo")
	gate.Unsuppress("demo")

	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 1, recorder.count())
}

func TestGate_LeavingStuckResetsRecord(t *testing.T) {
	gate, recorder, _ := newTestGate(t, PolicyRateLimit)
	ctx := context.Background()

	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 1, recorder.count())

	// Still inside the rate-limit window, but the session left Stuck.
	require.NoError(t, gate.handle(ctx, events.New(events.KindStateChange, "demo", map[string]interface{}{
		"from": string(state.Stuck),
		"to":   string(state.Working),
	})))

	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 2, recorder.count(), "a fresh stall after recovery alerts immediately")
}

func TestGate_NotifyFailureStillStartsWindow(t *testing.T) {
	gate, recorder, clock := newTestGate(t, PolicyRateLimit)
	recorder.err = errors.New("exec: \"notify-send\": executable file not found in $PATH")
	ctx := context.Background()

	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 1, recorder.count())

	// A failed delivery still counts as the forward for this window, so a
	// broken sink cannot turn the rate limit into a retry loop.
	*clock = clock.Add(100 * time.Second)
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 1, recorder.count())

	// Nothing reached the operator, so nothing lands in the alert log.
	rows, err := gate.store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Past the window: a fresh attempt.
	*clock = clock.Add(201 * time.Second)
	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	assert.Equal(t, 2, recorder.count())
}

func TestGate_States(t *testing.T) {
	gate, _, clock := newTestGate(t, PolicyRateLimit)
	ctx := context.Background()

	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))
	require.NoError(t, gate.handle(ctx, stuckEvent("demo"))) // dropped
	gate.Suppress("quiet", 10*time.Minute)

	states := gate.States()
	require.Len(t, states, 2)

	byKey := make(map[string]SessionState)
	for _, s := range states {
		byKey[s.SessionKey] = s
	}

	demo := byKey["demo"]
	require.Len(t, demo.Kinds, 1)
	assert.Equal(t, string(events.KindAgentStuck), demo.Kinds[0].Kind)
	assert.Equal(t, 1, demo.Kinds[0].Forwarded)
	assert.Equal(t, 1, demo.Kinds[0].Dropped)

	quiet := byKey["quiet"]
	require.NotNil(t, quiet.SuppressedUntil)
	assert.Equal(t, clock.Add(10*time.Minute), *quiet.SuppressedUntil)
}

func TestGate_ForwardAppendsAlertLog(t *testing.T) {
	gate, _, _ := newTestGate(t, PolicyNone)
	ctx := context.Background()

	require.NoError(t, gate.handle(ctx, stuckEvent("demo")))

	rows, err := gate.store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "demo", rows[0].SessionKey)
	assert.Equal(t, string(events.KindAgentStuck), rows[0].EventKind)
	assert.Equal(t, ModeDirect, rows[0].DeliveryMode)
}

func TestFormatMessage(t *testing.T) {
	assert.Equal(t, "agent stuck (idle 301s)", formatMessage(stuckEvent("demo")))
	assert.Equal(t, "agent complete: session ended",
		formatMessage(events.New(events.KindAgentComplete, "demo", map[string]interface{}{"reason": "session ended"})))
	assert.Equal(t, "command failed: NotConnected",
		formatMessage(events.New(events.KindCommandFailed, "demo", map[string]interface{}{"error": "NotConnected"})))

	// Payload integers survive a JSON round trip as float64.
	ev := events.New(events.KindAgentStuck, "demo", map[string]interface{}{"idle_seconds": float64(42)})
	assert.Equal(t, "agent stuck (idle 42s)", formatMessage(ev))
}
