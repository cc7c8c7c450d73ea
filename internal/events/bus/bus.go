// Package bus provides event bus abstractions for zoid.
package bus

import (
	"context"

	"github.com/zoid/zoid/internal/events"
)

// Handler is a function that handles an event.
type Handler func(ctx context.Context, event *events.Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the in-process or NATS-backed event fanout. Publish never blocks
// the caller beyond a bounded enqueue; each subscriber observes events on
// a given subject in publish order.
type Bus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *events.Event) error

	// Subscribe creates a subscription to a subject pattern. NATS-style
	// wildcards are supported: * matches one token, > matches the rest.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// QueueSubscribe creates a queue subscription; each event on the
	// subject is delivered to exactly one member of the queue group.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
