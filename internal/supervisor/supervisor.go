// Package supervisor drives the per-session supervision loop: capture
// deltas in, classified state and progress out, with every transition
// persisted and published.
package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/capture"
	"github.com/zoid/zoid/internal/common/config"
	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/eventlog"
	"github.com/zoid/zoid/internal/events"
	"github.com/zoid/zoid/internal/progress"
	"github.com/zoid/zoid/internal/state"
	"github.com/zoid/zoid/internal/store"
	"github.com/zoid/zoid/internal/tmux"
)

// tailLimit bounds the persisted output tail, in bytes.
const tailLimit = 2000

// Snapshot is a read-only copy of a supervised session's aggregate.
type Snapshot struct {
	SessionKey   string              `json:"session_key"`
	State        state.State         `json:"state"`
	Percent      int                 `json:"percent"`
	Indicators   progress.Indicators `json:"indicators"`
	LastActivity time.Time           `json:"last_activity"`
	Tail         string              `json:"-"`
}

// Deps are the collaborators a Supervisor needs. The registry fills
// them in once and shares them across sessions.
type Deps struct {
	Client     *tmux.Client
	Config     *config.Store
	Classifier *state.Classifier
	Parser     *progress.Parser
	SpecLoader *progress.SpecLoader // may be nil
	Store      *store.StateStore
	Publisher  *eventlog.Publisher
	Logger     *logger.Logger
}

// Supervisor owns one session: its capture loop, its current aggregate,
// and the persistence and publication of every change. All exported
// methods are safe for concurrent use.
type Supervisor struct {
	key     string
	deps    Deps
	capture *capture.Session
	logger  *logger.Logger

	// onGone is invoked once, after the session has been marked
	// complete, so the registry can unregister it.
	onGone func(key string)

	mu           sync.Mutex
	state        state.State
	percent      int
	indicators   progress.Indicators
	lastActivity time.Time
	tail         string
	gone         bool
}

// New creates a supervisor for the named tmux session. onGone may be nil.
func New(key string, deps Deps, onGone func(key string)) *Supervisor {
	s := &Supervisor{
		key:    key,
		deps:   deps,
		onGone: onGone,
		state:  state.Initializing,
		logger: deps.Logger.WithSession(key).WithFields(zap.String("component", "supervisor")),
	}
	s.capture = capture.NewSession(key, deps.Client, capture.Options{
		PollInterval: func() time.Duration { return deps.Config.Current().Monitor.PollInterval() },
		Lines:        deps.Config.Current().Monitor.CaptureLines,
		OnDelta:      s.handleDelta,
		OnDisconnect: s.handleDisconnect,
	}, deps.Logger)
	return s
}

// Key returns the session key.
func (s *Supervisor) Key() string {
	return s.key
}

// Start connects the capture loop and publishes the initial state.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.capture.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = state.Initializing
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	s.persist(ctx)
	s.deps.Publisher.Publish(ctx, events.New(events.KindStateChange, s.key, map[string]interface{}{
		"from": "",
		"to":   string(state.Initializing),
	}))
	s.logger.Info("session registered")
	return nil
}

// Stop halts the capture loop without touching persisted state.
func (s *Supervisor) Stop() {
	s.capture.Disconnect()
}

// Snapshot returns a copy of the current aggregate.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionKey:   s.key,
		State:        s.state,
		Percent:      s.percent,
		Indicators:   s.indicators,
		LastActivity: s.lastActivity,
		Tail:         s.tail,
	}
}

// Output captures the last `lines` rows of the pane on demand.
func (s *Supervisor) Output(ctx context.Context, lines int) (string, error) {
	if lines <= 0 {
		lines = s.deps.Config.Current().Monitor.CaptureLines
	}
	return s.capture.Capture(ctx, lines)
}

// SendKeys writes text to the session input.
func (s *Supervisor) SendKeys(ctx context.Context, text string, pressEnter bool) error {
	return s.capture.SendKeys(ctx, text, pressEnter)
}

// Kill terminates the tmux session, marks the aggregate complete, and
// publishes session_killed. actor names who requested it.
func (s *Supervisor) Kill(ctx context.Context, actor string) error {
	err := s.capture.Kill(ctx)

	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return err
	}
	s.gone = true
	prior := s.state
	s.state = state.Complete
	s.mu.Unlock()

	s.persist(ctx)
	s.deps.Publisher.Publish(ctx, events.New(events.KindSessionKilled, s.key, map[string]interface{}{
		"actor": actor,
	}))
	if prior != state.Complete {
		s.deps.Publisher.Publish(ctx, events.New(events.KindAgentComplete, s.key, map[string]interface{}{
			"reason": "killed",
		}))
	}
	if s.onGone != nil {
		s.onGone(s.key)
	}
	s.logger.Info("session killed", zap.String("actor", actor))
	return err
}

// CheckStuck transitions an inactive session to Stuck. Called from the
// registry's shared ticker; terminal and already-stuck sessions are left
// alone.
func (s *Supervisor) CheckStuck(ctx context.Context, now time.Time, threshold time.Duration) {
	s.mu.Lock()
	if s.gone || s.state == state.Stuck || state.Terminal(s.state) {
		s.mu.Unlock()
		return
	}
	idle := now.Sub(s.lastActivity)
	if idle <= threshold {
		s.mu.Unlock()
		return
	}
	prior := s.state
	s.state = state.Stuck
	tail := s.tail
	s.mu.Unlock()

	s.persist(ctx)
	s.publishStateChange(ctx, prior, state.Stuck)
	s.deps.Publisher.Publish(ctx, events.New(events.KindAgentStuck, s.key, map[string]interface{}{
		"idle_seconds": int(idle.Seconds()),
		"tail":         tail,
	}))
	s.logger.Warn("session stuck", zap.Int("idle_seconds", int(idle.Seconds())))
}

// handleDelta is the capture callback: each pane change updates activity,
// reclassifies, recomputes progress, persists, and publishes.
func (s *Supervisor) handleDelta(d capture.Delta) {
	ctx := context.Background()
	cfg := s.deps.Config.Current()

	s.mu.Lock()
	prior := s.state
	// New output clears Stuck: the classifier sees Idle so a no-signal
	// snapshot cannot retain Stuck, but the published transition keeps
	// the real prior state. Complete stays terminal.
	classifierPrior := prior
	if prior == state.Stuck {
		classifierPrior = state.Idle
	}
	next := classifierPrior
	if !state.Terminal(s.state) {
		next = s.deps.Classifier.Classify(d.Snapshot, classifierPrior, 0, cfg.Monitor.StuckThresholdDuration())
	}
	snap := s.deps.Parser.Parse(d.Snapshot, s.key)

	s.lastActivity = d.CapturedAt
	s.state = next
	percentChanged := snap.Percent != s.percent
	s.percent = snap.Percent
	s.indicators = snap.Indicators
	s.tail = lastChars(d.Snapshot, tailLimit)
	s.mu.Unlock()

	s.persist(ctx)
	s.persistTaskSpec(ctx)

	if next != prior {
		s.publishStateChange(ctx, prior, next)
		switch next {
		case state.Error:
			s.deps.Publisher.Publish(ctx, events.New(events.KindAgentError, s.key, map[string]interface{}{
				"tail": lastChars(d.Snapshot, tailLimit),
			}))
		case state.Complete:
			s.deps.Publisher.Publish(ctx, events.New(events.KindAgentComplete, s.key, map[string]interface{}{
				"reason": "completion marker",
			}))
		}
	}
	if percentChanged {
		s.deps.Publisher.Publish(ctx, events.New(events.KindProgress, s.key, map[string]interface{}{
			"percent":    snap.Percent,
			"indicators": snap.Indicators,
		}))
	}
}

// handleDisconnect is the capture callback for a session that no longer
// exists. Disappearance is completion, whatever the prior state.
func (s *Supervisor) handleDisconnect(reason string) {
	ctx := context.Background()

	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return
	}
	s.gone = true
	prior := s.state
	s.state = state.Complete
	s.mu.Unlock()

	s.persist(ctx)
	if prior != state.Complete {
		s.publishStateChange(ctx, prior, state.Complete)
	}
	s.deps.Publisher.Publish(ctx, events.New(events.KindAgentComplete, s.key, map[string]interface{}{
		"reason": reason,
	}))
	if s.onGone != nil {
		s.onGone(s.key)
	}
	s.logger.Info("session ended", zap.String("reason", reason))
}

func (s *Supervisor) publishStateChange(ctx context.Context, from, to state.State) {
	s.deps.Publisher.Publish(ctx, events.New(events.KindStateChange, s.key, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	}))
	if err := s.deps.Store.AppendInteraction(ctx, &store.InteractionLogEntry{
		SessionKey: s.key,
		Actor:      store.ActorSystem,
		Action:     store.ActionStateChange,
		Content:    string(from) + " -> " + string(to),
	}); err != nil {
		s.logger.Warn("failed to append interaction log", zap.Error(err))
	}
}

// persist writes the current aggregate to the state store.
func (s *Supervisor) persist(ctx context.Context) {
	s.mu.Lock()
	row := &store.SessionStateRow{
		SessionKey:     s.key,
		State:          string(s.state),
		Percent:        s.percent,
		LastActivity:   s.lastActivity,
		LastOutputTail: s.tail,
	}
	indicators := s.indicators
	s.mu.Unlock()

	if data, err := json.Marshal(indicators); err == nil {
		row.IndicatorsJSON = string(data)
	} else {
		row.IndicatorsJSON = "{}"
	}
	if err := s.deps.Store.UpsertSessionState(ctx, row); err != nil {
		s.logger.Warn("failed to persist session state", zap.Error(err))
	}
}

// persistTaskSpec mirrors the loader's cached spec into the store for
// observability.
func (s *Supervisor) persistTaskSpec(ctx context.Context) {
	if s.deps.SpecLoader == nil {
		return
	}
	spec := s.deps.SpecLoader.Cached(s.key)
	if spec == nil {
		return
	}
	items := "[]"
	if data, err := json.Marshal(spec.Items); err == nil {
		items = string(data)
	}
	if err := s.deps.Store.UpsertTaskSpec(ctx, &store.TaskSpecRow{
		SessionKey:     s.key,
		Path:           spec.Path,
		TotalTasks:     spec.TotalTasks,
		CompletedTasks: spec.CompletedTasks,
		ItemsJSON:      items,
		CachedAt:       spec.CachedAt,
	}); err != nil {
		s.logger.Warn("failed to persist task spec", zap.Error(err))
	}
}

func lastChars(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}
