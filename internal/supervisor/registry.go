package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/tmux"
)

// discoveryInterval is the period between auto-discovery sweeps of the
// tmux server.
const discoveryInterval = 10 * time.Second

// Registry is the exclusive owner of the supervised session set. All
// additions and removals go through it; readers get snapshot copies.
type Registry struct {
	deps   Deps
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Supervisor
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		logger:   deps.Logger.WithFields(zap.String("component", "registry")),
		sessions: make(map[string]*Supervisor),
	}
}

// Add registers a session and starts supervising it. Adding an already
// supervised session is a no-op.
func (r *Registry) Add(ctx context.Context, key string) error {
	r.mu.Lock()
	if _, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return nil
	}
	sup := New(key, r.deps, r.remove)
	r.sessions[key] = sup
	r.mu.Unlock()

	if err := sup.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.sessions, key)
		r.mu.Unlock()
		return err
	}
	return nil
}

// remove is the supervisor's onGone hook.
func (r *Registry) remove(key string) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
	r.logger.Info("session unregistered", zap.String("session", key))
}

// Get returns the supervisor for a session key.
func (r *Registry) Get(key string) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sup, ok := r.sessions[key]
	return sup, ok
}

// List returns a snapshot of every supervised session.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sups := make([]*Supervisor, 0, len(r.sessions))
	for _, sup := range r.sessions {
		sups = append(sups, sup)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(sups))
	for _, sup := range sups {
		snapshots = append(snapshots, sup.Snapshot())
	}
	return snapshots
}

// Count returns the number of supervised sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Run drives the shared tickers (stuck checks and, when enabled,
// auto-discovery) until ctx is cancelled, then stops every supervisor.
func (r *Registry) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.stuckLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.discoveryLoop(ctx)
	}()
	wg.Wait()

	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.sessions))
	for _, sup := range r.sessions {
		sups = append(sups, sup)
	}
	r.mu.Unlock()
	for _, sup := range sups {
		sup.Stop()
	}
}

// stuckLoop runs the shared stuck check. The interval and threshold are
// re-read every tick so a config reload takes effect immediately.
func (r *Registry) stuckLoop(ctx context.Context) {
	for {
		interval := r.deps.Config.Current().Monitor.StuckCheckIntervalDuration()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		threshold := r.deps.Config.Current().Monitor.StuckThresholdDuration()
		now := time.Now().UTC()
		for _, sup := range r.supervisors() {
			sup.CheckStuck(ctx, now, threshold)
		}
	}
}

// discoveryLoop registers tmux sessions that appear after startup.
// Inactive unless monitor.autoDetect is set.
func (r *Registry) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !r.deps.Config.Current().Monitor.AutoDetect {
			continue
		}
		r.Discover(ctx)
	}
}

// Discover lists live tmux sessions and registers any not yet
// supervised.
func (r *Registry) Discover(ctx context.Context) {
	infos, err := r.deps.Client.ListSessions(ctx)
	if err != nil {
		if !errors.Is(err, tmux.ErrTimeout) {
			r.logger.Warn("session discovery failed", zap.Error(err))
		}
		return
	}
	for _, info := range infos {
		if _, ok := r.Get(info.Name); ok {
			continue
		}
		if err := r.Add(ctx, info.Name); err != nil {
			r.logger.Warn("failed to register discovered session",
				zap.String("session", info.Name),
				zap.Error(err))
			continue
		}
		r.logger.Info("discovered session", zap.String("session", info.Name))
	}
}

func (r *Registry) supervisors() []*Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sups := make([]*Supervisor, 0, len(r.sessions))
	for _, sup := range r.sessions {
		sups = append(sups, sup)
	}
	return sups
}
