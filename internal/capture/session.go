// Package capture polls one tmux session's visible pane and turns raw
// buffer reads into discrete output deltas.
package capture

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/tmux"
)

// ErrNotConnected is returned by operations that require Connect first.
var ErrNotConnected = errors.New("capture: not connected")

// Delta carries the lines new in the current snapshot relative to the
// previous one, plus the full snapshot for reclassification.
type Delta struct {
	SessionKey string
	NewLines   []string
	Snapshot   string
	Hash       uint32
	CapturedAt time.Time
}

// Options configure a capture session. PollInterval is read through a
// function so a config reload takes effect on the next tick.
type Options struct {
	PollInterval func() time.Duration
	Lines        int

	// OnDelta is invoked for every detected pane change.
	OnDelta func(Delta)

	// OnDisconnect is invoked once when the underlying session is found
	// to be gone.
	OnDisconnect func(reason string)
}

// Session polls one tmux session. All exported methods are safe for
// concurrent use.
type Session struct {
	key    string
	client *tmux.Client
	opts   Options
	logger *logger.Logger

	mu        sync.Mutex
	connected bool
	stop      chan struct{}
	prevLines []string
	prevHash  uint32
}

// NewSession creates a capture session for the named tmux session.
func NewSession(key string, client *tmux.Client, opts Options, log *logger.Logger) *Session {
	if opts.Lines <= 0 {
		opts.Lines = 200
	}
	return &Session{
		key:    key,
		client: client,
		opts:   opts,
		logger: log.WithSession(key).WithFields(zap.String("component", "capture")),
	}
}

// Connect verifies the session exists, takes the initial snapshot, and
// starts polling. Idempotent: connecting twice is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	exists, err := s.client.HasSession(ctx, s.key)
	if err != nil {
		return err
	}
	if !exists {
		return tmux.ErrSessionNotFound
	}

	text, err := s.client.CapturePane(ctx, s.key, s.opts.Lines)
	if err != nil {
		return err
	}
	s.prevLines = splitLines(text)
	s.prevHash = hashText(text)

	s.stop = make(chan struct{})
	s.connected = true
	go s.pollLoop(s.stop)

	s.logger.Info("capture session connected")
	return nil
}

// Capture reads the last `lines` rows of the pane on demand.
func (s *Session) Capture(ctx context.Context, lines int) (string, error) {
	if !s.isConnected() {
		return "", ErrNotConnected
	}
	return s.client.CapturePane(ctx, s.key, lines)
}

// SendKeys writes to the session input.
func (s *Session) SendKeys(ctx context.Context, text string, pressEnter bool) error {
	if !s.isConnected() {
		return ErrNotConnected
	}
	return s.client.SendKeys(ctx, s.key, text, pressEnter)
}

// Kill terminates the tmux session and disconnects.
func (s *Session) Kill(ctx context.Context) error {
	err := s.client.KillSession(ctx, s.key)
	s.Disconnect()
	return err
}

// Disconnect stops polling and releases resources. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.connected = false
	close(s.stop)
	s.logger.Info("capture session disconnected")
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) pollLoop(stop chan struct{}) {
	for {
		timer := time.NewTimer(s.opts.PollInterval())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.pollOnce(stop)
	}
}

// pollOnce captures the pane, compares hashes, and emits a delta when the
// visible buffer changed. A capture failure triggers an existence probe;
// only explicit absence ends the session — timeouts are retried on the
// next tick.
func (s *Session) pollOnce(stop chan struct{}) {
	ctx := context.Background()

	text, err := s.client.CapturePane(ctx, s.key, s.opts.Lines)
	if err != nil {
		if errors.Is(err, tmux.ErrTimeout) {
			s.logger.Warn("pane capture timed out, retrying next tick")
			return
		}
		exists, probeErr := s.client.HasSession(ctx, s.key)
		if probeErr == nil && !exists {
			s.Disconnect()
			if s.opts.OnDisconnect != nil {
				s.opts.OnDisconnect("session ended")
			}
			return
		}
		s.logger.Warn("pane capture failed, retrying next tick", zap.Error(err))
		return
	}

	hash := hashText(text)

	s.mu.Lock()
	if hash == s.prevHash {
		s.mu.Unlock()
		return
	}
	currentLines := splitLines(text)
	prefix := commonPrefixLen(s.prevLines, currentLines)
	s.prevLines = currentLines
	s.prevHash = hash
	s.mu.Unlock()

	// No new suffix: the change was confined to rows scrolling off the
	// top of the capture window.
	if prefix >= len(currentLines) {
		return
	}

	if s.opts.OnDelta != nil {
		s.opts.OnDelta(Delta{
			SessionKey: s.key,
			NewLines:   currentLines[prefix:],
			Snapshot:   text,
			Hash:       hash,
			CapturedAt: time.Now().UTC(),
		})
	}
}

func hashText(text string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return h.Sum32()
}

func splitLines(text string) []string {
	return strings.Split(strings.TrimRight(text, "\n"), "\n")
}

// commonPrefixLen returns the number of leading lines shared by both
// slices.
func commonPrefixLen(prev, current []string) int {
	n := len(prev)
	if len(current) < n {
		n = len(current)
	}
	for i := 0; i < n; i++ {
		if prev[i] != current[i] {
			return i
		}
	}
	return n
}
