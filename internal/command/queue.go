// Package command implements the durable outbound command queue:
// at-least-once delivery of operator input to supervised sessions, with
// a bounded worker pool, a global rate cap, and per-job retry with
// exponential backoff.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zoid/zoid/internal/common/config"
	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/eventlog"
	"github.com/zoid/zoid/internal/events"
	"github.com/zoid/zoid/internal/events/bus"
	"github.com/zoid/zoid/internal/store"
)

// dispatchKind is the internal event kind carrying a job id to the
// worker pool. It never reaches the session event log or the push
// channel.
const dispatchKind events.Kind = "command_dispatch"

// workerQueueGroup names the queue group so exactly one worker pool
// instance claims each dispatch.
const workerQueueGroup = "command-workers"

// jobBuffer bounds the in-process dispatch channel.
const jobBuffer = 1024

// NudgePayload is the text sent to a session on an operator nudge.
const NudgePayload = "Please continue with the current task."

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("command: queue closed")

// Sender delivers a payload to a session's input. The supervisor
// registry satisfies it.
type Sender interface {
	Send(ctx context.Context, sessionKey, payload string) error
}

// Queue owns the command lifecycle: enqueue writes the audit row and
// publishes a dispatch job; the worker pool claims jobs, applies the
// rate cap, and drives each row to sent or failed.
type Queue struct {
	store     *store.CommandStore
	state     *store.StateStore
	bus       bus.Bus
	publisher *eventlog.Publisher
	cfg       *config.Store
	sender    Sender
	logger    *logger.Logger

	limiter *rate.Limiter
	jobs    chan string
	sub     bus.Subscription
	group   *errgroup.Group
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue. Start must be called before Enqueue is
// useful.
func NewQueue(cmdStore *store.CommandStore, stateStore *store.StateStore, b bus.Bus, publisher *eventlog.Publisher, cfg *config.Store, sender Sender, log *logger.Logger) *Queue {
	perSecond := cfg.Current().Commands.RatePerSecond
	burst := cfg.Current().Commands.Concurrency
	if burst < 1 {
		burst = 1
	}
	return &Queue{
		store:     cmdStore,
		state:     stateStore,
		bus:       b,
		publisher: publisher,
		cfg:       cfg,
		sender:    sender,
		logger:    log.WithFields(zap.String("component", "command-queue")),
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
		jobs:      make(chan string, jobBuffer),
	}
}

// Start subscribes the worker pool and re-dispatches rows left over
// from a previous run.
func (q *Queue) Start(ctx context.Context) error {
	sub, err := q.bus.QueueSubscribe(events.SubjectCommandDispatch, workerQueueGroup, func(_ context.Context, ev *events.Event) error {
		jobID, _ := ev.Payload["job_id"].(string)
		if jobID == "" {
			return nil
		}
		q.dispatch(jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe command workers: %w", err)
	}
	q.sub = sub

	workerCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	group, workerCtx := errgroup.WithContext(workerCtx)
	q.group = group
	concurrency := q.cfg.Current().Commands.Concurrency
	for i := 0; i < concurrency; i++ {
		group.Go(func() error {
			q.workerLoop(workerCtx)
			return nil
		})
	}

	recovered, err := q.store.RecoverOrphans(ctx, q.cfg.Current().Commands.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to recover pending commands: %w", err)
	}
	for _, row := range recovered {
		q.dispatch(row.ID)
	}
	if len(recovered) > 0 {
		q.logger.Info("re-dispatched recovered commands", zap.Int("count", len(recovered)))
	}
	return nil
}

// Stop drains the worker pool. In-flight sends finish; queued jobs stay
// pending in the store and are re-dispatched on the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	if q.sub != nil {
		_ = q.sub.Unsubscribe()
	}
	if q.cancel != nil {
		q.cancel()
	}
	if q.group != nil {
		_ = q.group.Wait()
	}
}

// Enqueue records a command and hands it to the worker pool. The job id
// is returned immediately; delivery is asynchronous.
func (q *Queue) Enqueue(ctx context.Context, sessionKey, payload, source string) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.mu.Unlock()

	if source == "" {
		source = store.ActorAPI
	}
	row := &store.CommandRow{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		Payload:    payload,
		Source:     source,
		Status:     store.StatusPending,
	}
	if err := q.store.Insert(ctx, row); err != nil {
		return "", fmt.Errorf("failed to record command: %w", err)
	}

	action := store.ActionSendCommand
	if source == "nudge" {
		action = store.ActionNudge
	}
	if err := q.state.AppendInteraction(ctx, &store.InteractionLogEntry{
		SessionKey: sessionKey,
		Actor:      source,
		Action:     action,
		Content:    payload,
		Metadata:   fmt.Sprintf(`{"job_id":%q}`, row.ID),
	}); err != nil {
		q.logger.Warn("failed to append interaction log", zap.Error(err))
	}

	ev := events.New(dispatchKind, sessionKey, map[string]interface{}{"job_id": row.ID})
	if err := q.bus.Publish(ctx, events.SubjectCommandDispatch, ev); err != nil {
		// The row is already durable; fall back to the in-process channel.
		q.logger.Warn("dispatch publish failed, using direct channel", zap.Error(err))
		q.dispatch(row.ID)
	}
	return row.ID, nil
}

// Nudge enqueues the canned nudge payload and publishes nudge_requested.
func (q *Queue) Nudge(ctx context.Context, sessionKey string) (string, error) {
	jobID, err := q.Enqueue(ctx, sessionKey, NudgePayload, "nudge")
	if err != nil {
		return "", err
	}
	q.publisher.Publish(ctx, events.New(events.KindNudgeRequested, sessionKey, map[string]interface{}{
		"job_id": jobID,
	}))
	return jobID, nil
}

// dispatch hands a job id to the pool without blocking the bus.
func (q *Queue) dispatch(jobID string) {
	select {
	case q.jobs <- jobID:
	default:
		// The channel is full; the row stays pending and recovery
		// re-dispatches it on the next start.
		q.logger.Warn("dispatch channel full, leaving job pending", zap.String("job_id", jobID))
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.process(ctx, jobID)
		}
	}
}

// process claims a job and attempts delivery once. A failed attempt
// either schedules a retry with backoff or finalizes the row as failed.
func (q *Queue) process(ctx context.Context, jobID string) {
	if err := q.limiter.Wait(ctx); err != nil {
		return
	}

	row, err := q.store.MarkProcessing(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		// Claimed by another worker or already finalized.
		return
	}
	if err != nil {
		q.logger.Error("failed to claim command", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	sendErr := q.sender.Send(ctx, row.SessionKey, row.Payload)
	if sendErr == nil {
		if err := q.store.MarkSent(ctx, jobID); err != nil {
			q.logger.Error("failed to finalize sent command", zap.String("job_id", jobID), zap.Error(err))
		}
		q.publisher.Publish(ctx, events.New(events.KindCommandSent, row.SessionKey, map[string]interface{}{
			"job_id":  jobID,
			"source":  row.Source,
			"attempt": row.RetryCount,
		}))
		return
	}

	cfg := q.cfg.Current().Commands
	if row.RetryCount >= cfg.MaxAttempts {
		if err := q.store.MarkFailed(ctx, jobID, sendErr.Error()); err != nil {
			q.logger.Error("failed to finalize failed command", zap.String("job_id", jobID), zap.Error(err))
		}
		q.publisher.Publish(ctx, events.New(events.KindCommandFailed, row.SessionKey, map[string]interface{}{
			"job_id":   jobID,
			"error":    sendErr.Error(),
			"attempts": row.RetryCount,
		}))
		q.logger.Warn("command failed permanently",
			zap.String("job_id", jobID),
			zap.Int("attempts", row.RetryCount),
			zap.Error(sendErr))
		return
	}

	if err := q.store.MarkRetrying(ctx, jobID, sendErr.Error()); err != nil {
		q.logger.Error("failed to schedule retry", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	delay := backoff(cfg.BackoffBase(), cfg.BackoffMultiplier, row.RetryCount)
	q.logger.Info("command send failed, retrying",
		zap.String("job_id", jobID),
		zap.Int("attempt", row.RetryCount),
		zap.Duration("delay", delay),
		zap.Error(sendErr))

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
	case <-timer.C:
		q.dispatch(jobID)
	}
}

// backoff computes base * multiplier^(attempt-1).
func backoff(base time.Duration, multiplier float64, attempt int) time.Duration {
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= multiplier
	}
	return time.Duration(d)
}
