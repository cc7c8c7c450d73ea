// Package eventlog records published events durably and fans them onto
// the bus. The durable log keeps a bounded tail for replay; the bus is
// the live path.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/events"
	"github.com/zoid/zoid/internal/events/bus"
	"github.com/zoid/zoid/internal/store"
)

// Log persists events to the retained events_log table.
type Log struct {
	store *store.StateStore
}

// NewLog creates a Log over the state store.
func NewLog(st *store.StateStore) *Log {
	return &Log{store: st}
}

// Record appends one event to the durable log.
func (l *Log) Record(ctx context.Context, ev *events.Event) error {
	payload := "{}"
	if ev.Payload != nil {
		if data, err := json.Marshal(ev.Payload); err == nil {
			payload = string(data)
		}
	}
	return l.store.AppendEvent(ctx, &store.EventRow{
		ID:         ev.ID,
		Kind:       string(ev.Kind),
		SessionKey: ev.SessionKey,
		Payload:    payload,
		Timestamp:  ev.Timestamp,
	})
}

// Recent returns the most recent retained events, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]*events.Event, error) {
	rows, err := l.store.ListEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	result := make([]*events.Event, 0, len(rows))
	for _, row := range rows {
		ev := &events.Event{
			ID:         row.ID,
			Kind:       events.Kind(row.Kind),
			SessionKey: row.SessionKey,
			Timestamp:  row.Timestamp,
		}
		if row.Payload != "" && row.Payload != "{}" {
			_ = json.Unmarshal([]byte(row.Payload), &ev.Payload)
		}
		result = append(result, ev)
	}
	return result, nil
}

// Publisher is the single write path for events: durable log first
// (best effort), then the bus. A store failure never blocks the live
// path.
type Publisher struct {
	bus    bus.Bus
	log    *Log
	logger *logger.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(b bus.Bus, l *Log, logg *logger.Logger) *Publisher {
	return &Publisher{bus: b, log: l, logger: logg.WithFields(zap.String("component", "eventlog"))}
}

// Publish records and fans out one event.
func (p *Publisher) Publish(ctx context.Context, ev *events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if p.log != nil {
		if err := p.log.Record(ctx, ev); err != nil {
			p.logger.Warn("failed to record event",
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
	if err := p.bus.Publish(ctx, events.SubjectFor(ev.Kind), ev); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}
