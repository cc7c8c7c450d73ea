package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/events"
)

const subscriberBuffer = 256

// MemoryBus implements Bus using in-memory channels. Each subscriber owns
// a buffered channel drained by a dedicated goroutine, so a slow handler
// delays only its own subscription while events still arrive in publish
// order. When a subscriber's buffer is full its oldest pending event is
// dropped and counted.
type MemoryBus struct {
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp // nil for exact match
	handler Handler
	queue   string // empty for regular subscriptions
	ch      chan *events.Event
	done    chan struct{}
	dropped atomic.Int64
	active  bool
	mu      sync.Mutex
}

// queueGroup round-robins delivery across its members.
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log.WithFields(zap.String("component", "bus")),
	}
}

// Publish sends an event to all matching subscribers.
func (b *MemoryBus) Publish(ctx context.Context, subject string, event *events.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	deliveredQueues := make(map[string]bool)

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.IsValid() {
				continue
			}
			if !matches(subject, pattern, sub.pattern) {
				continue
			}

			if sub.queue != "" {
				queueKey := sub.queue + ":" + pattern
				if !deliveredQueues[queueKey] {
					deliveredQueues[queueKey] = true
					b.deliverToQueue(queueKey, event)
				}
				continue
			}

			sub.enqueue(event)
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("kind", string(event.Kind)))

	return nil
}

// enqueue appends the event to the subscriber's channel, dropping the
// oldest pending event if the buffer is full.
func (s *memorySubscription) enqueue(event *events.Event) {
	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many events this subscription has shed under
// backpressure.
func (s *memorySubscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *memorySubscription) dispatchLoop(log *logger.Logger) {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.ch:
			if err := s.handler(context.Background(), event); err != nil {
				log.Error("event handler error",
					zap.String("subject", s.subject),
					zap.Error(err))
			}
		}
	}
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe creates a queue subscription; only one member of the
// queue group receives each event.
func (b *MemoryBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryBus) subscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		ch:      make(chan *events.Event, subscriberBuffer),
		done:    make(chan struct{}),
		active:  true,
	}
	go sub.dispatchLoop(b.logger)

	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	if queue != "" {
		queueKey := queue + ":" + subject
		if _, ok := b.queues[queueKey]; !ok {
			b.queues[queueKey] = &queueGroup{}
		}
		b.queues[queueKey].subscribers = append(b.queues[queueKey].subscribers, sub)
	}

	b.logger.Debug("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	close(s.done)
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	if s.queue != "" {
		queueKey := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[queueKey]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}

	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close closes the event bus.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			if sub.active {
				sub.active = false
				close(sub.done)
			}
			sub.mu.Unlock()
		}
	}

	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryBus) deliverToQueue(queueKey string, event *events.Event) {
	qg, ok := b.queues[queueKey]
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	if len(qg.subscribers) == 0 {
		return
	}

	startIndex := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (startIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		if sub.IsValid() {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			sub.enqueue(event)
			return
		}
	}
}

// matches checks if a subject matches a pattern. Supports NATS-style
// wildcards: * (single token) and > (remaining tokens).
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regex. Returns nil for
// exact-match patterns.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	// QuoteMeta leaves > untouched; replace the literal token.
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
