// Package alert decides which events reach the operator's notification
// sink. Every alertable event passes per-session suppression first, then
// the active spam-control policy; what survives is forwarded exactly
// once, with no retry.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/common/config"
	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/events"
	"github.com/zoid/zoid/internal/events/bus"
	"github.com/zoid/zoid/internal/state"
	"github.com/zoid/zoid/internal/store"
)

// Policies. Runtime-selectable through config reload.
const (
	PolicyNone               = "none"
	PolicyRateLimit          = "rateLimit"
	PolicyExponentialBackoff = "exponentialBackoff"
	PolicyBatch              = "batch"
)

type recordKey struct {
	session string
	kind    events.Kind
}

// record tracks forwarding history for one (session, kind) pair.
type record struct {
	lastForwarded time.Time
	backoffLevel  int
	nextEligible  time.Time
	forwarded     int
	dropped       int
}

// KindState is the per-kind slice of a session's alert record exposed
// over the API.
type KindState struct {
	Kind          string    `json:"kind"`
	LastForwarded time.Time `json:"last_forwarded"`
	Forwarded     int       `json:"forwarded"`
	Dropped       int       `json:"dropped"`
}

// SessionState is one session's alert record.
type SessionState struct {
	SessionKey      string      `json:"session_key"`
	SuppressedUntil *time.Time  `json:"suppressed_until,omitempty"`
	Kinds           []KindState `json:"kinds"`
}

// Gate subscribes to the event stream and forwards the surviving
// alertable events through the Notifier.
type Gate struct {
	bus      bus.Bus
	notifier *Notifier
	cfg      *config.Store
	store    *store.StateStore
	logger   *logger.Logger

	mu              sync.Mutex
	records         map[recordKey]*record
	suppressedUntil map[string]time.Time
	batch           map[recordKey]*events.Event

	sub  bus.Subscription
	stop chan struct{}
	wg   sync.WaitGroup

	// now is a seam for tests.
	now func() time.Time
}

// NewGate creates a gate. Start must be called to begin filtering.
func NewGate(b bus.Bus, notifier *Notifier, cfg *config.Store, st *store.StateStore, log *logger.Logger) *Gate {
	return &Gate{
		bus:             b,
		notifier:        notifier,
		cfg:             cfg,
		store:           st,
		logger:          log.WithFields(zap.String("component", "alert-gate")),
		records:         make(map[recordKey]*record),
		suppressedUntil: make(map[string]time.Time),
		batch:           make(map[recordKey]*events.Event),
		now:             time.Now,
	}
}

// Start subscribes to the event stream and starts the batch flusher.
func (g *Gate) Start() error {
	sub, err := g.bus.Subscribe(events.SubjectEventsWildcard, g.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe alert gate: %w", err)
	}
	g.sub = sub

	g.stop = make(chan struct{})
	g.wg.Add(1)
	go g.flushLoop()
	return nil
}

// Stop unsubscribes and flushes any batched alerts.
func (g *Gate) Stop() {
	if g.sub != nil {
		_ = g.sub.Unsubscribe()
	}
	if g.stop != nil {
		close(g.stop)
		g.wg.Wait()
	}
	g.Flush(context.Background())
}

// Suppress drops all alerts for the session until now+d. Last writer
// wins; a shorter duration can cut an earlier, longer suppression.
func (g *Gate) Suppress(sessionKey string, d time.Duration) time.Time {
	until := g.now().Add(d)
	g.mu.Lock()
	g.suppressedUntil[sessionKey] = until
	g.mu.Unlock()
	g.logger.Info("alerts suppressed",
		zap.String("session", sessionKey),
		zap.Time("until", until))
	return until
}

// Unsuppress clears the session's suppression window. Idempotent.
func (g *Gate) Unsuppress(sessionKey string) {
	g.mu.Lock()
	delete(g.suppressedUntil, sessionKey)
	g.mu.Unlock()
	g.logger.Info("alerts unsuppressed", zap.String("session", sessionKey))
}

// States returns the per-session alert records for the API.
func (g *Gate) States() []SessionState {
	g.mu.Lock()
	defer g.mu.Unlock()

	bySession := make(map[string]*SessionState)
	ordered := make([]string, 0)
	get := func(session string) *SessionState {
		if s, ok := bySession[session]; ok {
			return s
		}
		s := &SessionState{SessionKey: session}
		bySession[session] = s
		ordered = append(ordered, session)
		return s
	}

	for key, rec := range g.records {
		s := get(key.session)
		s.Kinds = append(s.Kinds, KindState{
			Kind:          string(key.kind),
			LastForwarded: rec.lastForwarded,
			Forwarded:     rec.forwarded,
			Dropped:       rec.dropped,
		})
	}
	now := g.now()
	for session, until := range g.suppressedUntil {
		if until.Before(now) {
			continue
		}
		s := get(session)
		u := until
		s.SuppressedUntil = &u
	}

	result := make([]SessionState, 0, len(ordered))
	for _, session := range ordered {
		result = append(result, *bySession[session])
	}
	return result
}

// handle is the bus subscription callback.
func (g *Gate) handle(ctx context.Context, ev *events.Event) error {
	// Leaving Stuck resets the stuck alert record so the next stall
	// alerts afresh.
	if ev.Kind == events.KindStateChange {
		if from, _ := ev.Payload["from"].(string); from == string(state.Stuck) {
			g.clearRecord(ev.SessionKey, events.KindAgentStuck)
		}
	}

	if !events.AlertKinds[ev.Kind] {
		return nil
	}

	g.mu.Lock()
	now := g.now()
	if until, ok := g.suppressedUntil[ev.SessionKey]; ok && now.Before(until) {
		g.recordLocked(ev.SessionKey, ev.Kind).dropped++
		g.mu.Unlock()
		return nil
	}

	cfg := g.cfg.Current().Alerts
	switch cfg.Policy {
	case PolicyNone:
		g.mu.Unlock()
		g.forward(ctx, ev)
		return nil

	case PolicyBatch:
		g.batch[recordKey{ev.SessionKey, ev.Kind}] = ev
		g.mu.Unlock()
		return nil

	case PolicyExponentialBackoff:
		rec := g.recordLocked(ev.SessionKey, ev.Kind)
		if now.Before(rec.nextEligible) {
			rec.dropped++
			g.mu.Unlock()
			return nil
		}
		interval := backoffInterval(cfg.BackoffBaseDuration(), cfg.BackoffMultiplier, rec.backoffLevel, cfg.BackoffCapDuration())
		rec.backoffLevel++
		rec.nextEligible = now.Add(interval)
		g.mu.Unlock()
		g.forward(ctx, ev)
		return nil

	default: // rateLimit
		rec := g.recordLocked(ev.SessionKey, ev.Kind)
		if !rec.lastForwarded.IsZero() && now.Sub(rec.lastForwarded) < cfg.RateLimitWindowDuration() {
			rec.dropped++
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()
		g.forward(ctx, ev)
		return nil
	}
}

// Flush forwards everything accumulated by the batch policy. Suppression
// is re-checked at flush time.
func (g *Gate) Flush(ctx context.Context) {
	g.mu.Lock()
	pending := g.batch
	g.batch = make(map[recordKey]*events.Event)
	now := g.now()
	var flushable []*events.Event
	for key, ev := range pending {
		if until, ok := g.suppressedUntil[key.session]; ok && now.Before(until) {
			g.recordLocked(key.session, key.kind).dropped++
			continue
		}
		flushable = append(flushable, ev)
	}
	g.mu.Unlock()

	for _, ev := range flushable {
		g.forward(ctx, ev)
	}
}

func (g *Gate) flushLoop() {
	defer g.wg.Done()
	for {
		window := g.cfg.Current().Alerts.BatchWindowDuration()
		timer := time.NewTimer(window)
		select {
		case <-g.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		if g.cfg.Current().Alerts.Policy == PolicyBatch {
			g.Flush(context.Background())
		}
	}
}

// forward delivers one alert. The record is marked before the attempt:
// a notifier error is logged and dropped with no retry, and the window
// still starts.
func (g *Gate) forward(ctx context.Context, ev *events.Event) {
	mode := g.cfg.Current().Alerts.DeliveryMode
	title := "zoid: " + ev.SessionKey
	message := formatMessage(ev)

	g.mu.Lock()
	rec := g.recordLocked(ev.SessionKey, ev.Kind)
	rec.lastForwarded = g.now()
	rec.forwarded++
	g.mu.Unlock()

	if err := g.notifier.Notify(ctx, mode, title, message); err != nil {
		g.logger.Warn("alert forward failed",
			zap.String("session", ev.SessionKey),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		return
	}

	if err := g.store.AppendAlert(ctx, &store.AlertLogRow{
		SessionKey:   ev.SessionKey,
		EventKind:    string(ev.Kind),
		Message:      message,
		DeliveryMode: mode,
	}); err != nil {
		g.logger.Warn("failed to append alert log", zap.Error(err))
	}
}

func (g *Gate) recordLocked(session string, kind events.Kind) *record {
	key := recordKey{session, kind}
	rec, ok := g.records[key]
	if !ok {
		rec = &record{}
		g.records[key] = rec
	}
	return rec
}

func (g *Gate) clearRecord(session string, kind events.Kind) {
	g.mu.Lock()
	delete(g.records, recordKey{session, kind})
	g.mu.Unlock()
}

// backoffInterval computes base * multiplier^level, capped at ceiling.
func backoffInterval(base time.Duration, multiplier float64, level int, ceiling time.Duration) time.Duration {
	d := float64(base)
	for i := 0; i < level; i++ {
		d *= multiplier
	}
	if ceiling > 0 && time.Duration(d) > ceiling {
		return ceiling
	}
	return time.Duration(d)
}

// formatMessage renders the operator-facing alert text for one event.
func formatMessage(ev *events.Event) string {
	switch ev.Kind {
	case events.KindAgentStuck:
		return fmt.Sprintf("agent stuck (idle %ds)", payloadInt(ev.Payload, "idle_seconds"))
	case events.KindAgentError:
		return "agent hit an error"
	case events.KindAgentComplete:
		if reason, _ := ev.Payload["reason"].(string); reason != "" {
			return "agent complete: " + reason
		}
		return "agent complete"
	case events.KindCommandFailed:
		if msg, _ := ev.Payload["error"].(string); msg != "" {
			return "command failed: " + msg
		}
		return "command failed"
	case events.KindNudgeRequested:
		return "nudge requested"
	default:
		return string(ev.Kind)
	}
}

// payloadInt reads an integer payload field, tolerating the float64 a
// JSON round trip produces.
func payloadInt(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
