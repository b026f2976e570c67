package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/events"
	"github.com/ottolabs/otto/internal/metrics"
	"github.com/ottolabs/otto/internal/profile"
	"github.com/ottolabs/otto/internal/telemetry"
)

const (
	defaultDrainInterval = 500 * time.Millisecond
	defaultDrainBatch    = 32
)

// Transport delivers a message to a chat. Errors wrapped with Permanent are
// never retried; everything else is treated as transient.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// PermanentError marks a delivery failure that retrying cannot fix, such as
// a malformed chat id or a bot blocked by the recipient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the non-retryable marker.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Worker drains the outbound queue against a transport. During the user's
// quiet window only critical messages go out; everything else stays queued
// until the window ends.
type Worker struct {
	store     *Store
	transport Transport
	profiles  *profile.Store
	bus       *events.Bus
	logger    *zap.Logger
	policy    RetryPolicy
	interval  time.Duration
	batch     int

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// NewWorker creates a delivery worker with the default retry policy. A nil
// profile store disables quiet-hours gating.
func NewWorker(store *Store, transport Transport, profiles *profile.Store, bus *events.Bus, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     store,
		transport: transport,
		profiles:  profiles,
		bus:       bus,
		logger:    logger,
		policy:    DefaultRetryPolicy(),
		interval:  defaultDrainInterval,
		batch:     defaultDrainBatch,
	}
}

// Start starts the drain loop. It is safe to call Start multiple times.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.ticker != nil {
		w.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.ticker = time.NewTicker(w.interval)
	ticker := w.ticker
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.DrainOnce(loopCtx, time.Now().UnixMilli())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				w.DrainOnce(loopCtx, now.UnixMilli())
			}
		}
	}()
}

// Stop stops the drain loop and waits for the in-flight pass to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.ticker == nil {
		w.mu.Unlock()
		return
	}
	w.ticker.Stop()
	w.ticker = nil
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
}

// DrainOnce delivers every message due at now, one pass. Exported so the
// restart path can flush the queue synchronously.
func (w *Worker) DrainOnce(ctx context.Context, now int64) {
	due, err := w.store.ListDue(ctx, now, w.batch)
	if err != nil {
		w.logger.Warn("list due messages failed", zap.Error(err))
		return
	}

	quiet := w.suppressNonCritical(ctx, now)
	for _, msg := range due {
		if ctx.Err() != nil {
			return
		}
		if quiet && msg.Priority != PriorityCritical {
			continue
		}
		w.deliver(ctx, msg, now)
	}

	if counts, err := w.store.CountByStatus(ctx); err == nil {
		metrics.OutboundQueueDepth.Set(float64(counts[StatusQueued]))
	}
}

// suppressNonCritical reports whether the profile's quiet window is holding
// non-critical deliveries at now.
func (w *Worker) suppressNonCritical(ctx context.Context, now int64) bool {
	if w.profiles == nil {
		return false
	}
	prof, err := w.profiles.Get(ctx)
	if err != nil {
		w.logger.Warn("load profile for quiet check failed", zap.Error(err))
		return false
	}
	return prof.SuppressNonCritical(time.UnixMilli(now))
}

func (w *Worker) deliver(ctx context.Context, msg Message, now int64) {
	attempt := msg.AttemptCount + 1
	ctx, span := telemetry.StartDeliverySpan(ctx, msg.ID, int64(attempt))
	outcome := "sent"
	defer func() { telemetry.EndDeliverySpan(span, outcome) }()

	err := w.transport.Send(ctx, msg.ChatID, msg.Content)
	if err == nil {
		if err := w.store.MarkSent(ctx, msg.ID, now); err != nil {
			w.logger.Warn("mark sent failed", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		metrics.RecordDelivery("sent")
		w.publish(events.MessageSent, msg, "message delivered")
		return
	}

	switch {
	case IsPermanent(err):
		outcome = "failed"
		w.fail(ctx, msg, now, err, "permanent transport failure")
	case attempt > w.policy.MaxAttempts:
		// The failed attempt pushed the count past the policy ceiling.
		outcome = "failed"
		w.fail(ctx, msg, now, err, "retries exhausted")
	default:
		outcome = "retried"
		delay := w.policy.NextDelay(attempt)
		if rerr := w.store.MarkRetry(ctx, msg.ID, err.Error(), now+delay.Milliseconds(), now); rerr != nil {
			w.logger.Warn("mark retry failed", zap.String("message_id", msg.ID), zap.Error(rerr))
			return
		}
		metrics.RecordDelivery("retried")
		w.logger.Debug("delivery will retry",
			zap.String("message_id", msg.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}

func (w *Worker) fail(ctx context.Context, msg Message, now int64, cause error, reason string) {
	if err := w.store.MarkFailed(ctx, msg.ID, cause.Error(), now); err != nil {
		w.logger.Warn("mark failed failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	metrics.RecordDelivery("failed")
	w.logger.Warn("message delivery abandoned",
		zap.String("message_id", msg.ID),
		zap.String("reason", reason),
		zap.Int("attempts", msg.AttemptCount+1),
		zap.Error(cause),
	)
	w.publish(events.MessageFailed, msg, reason)
}

func (w *Worker) publish(evtType events.EventType, msg Message, summary string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.Event{
		Type:    evtType,
		Summary: summary,
		Detail: map[string]any{
			"message_id": msg.ID,
			"chat_id":    msg.ChatID,
			"priority":   msg.Priority,
		},
	})
}
