// Package scheduler runs the persistent job loop: it claims due jobs under a
// lease, executes their handlers on a bounded pool, records run history, and
// advances or finalizes schedules. Claims go through BEGIN IMMEDIATE, so the
// loop is safe even if a second process points at the same database.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/events"
	"github.com/ottolabs/otto/internal/jobs"
	"github.com/ottolabs/otto/internal/metrics"
)

const (
	defaultTick      = time.Second
	defaultBatch     = 16
	defaultLease     = 120 * time.Second
	oneShotStaleness = 24 * time.Hour

	errCodeHandlerNotFound = "handler_not_found"
	errCodeHandlerFailed   = "handler_failed"
	errCodeLeaseExpired    = "lease_expired"
	errCodePanic           = "handler_panic"
)

// Handler executes one job run and optionally returns a result document.
type Handler func(ctx context.Context, job jobs.Job) (*string, error)

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get returns the handler for a job type.
func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Scheduler claims and executes due jobs.
type Scheduler struct {
	store    *jobs.Store
	registry *Registry
	bus      *events.Bus
	logger   *zap.Logger

	tick  time.Duration
	batch int
	lease time.Duration
	sem   chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler with the default tick, batch, lease, and
// a worker pool sized to the host.
func NewScheduler(store *jobs.Store, registry *Registry, bus *events.Bus, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := 2 * runtime.NumCPU()
	if workers < 4 {
		workers = 4
	}
	return &Scheduler{
		store:    store,
		registry: registry,
		bus:      bus,
		logger:   logger,
		tick:     defaultTick,
		batch:    defaultBatch,
		lease:    defaultLease,
		sem:      make(chan struct{}, workers),
	}
}

// Start starts the claim loop. It is safe to call Start multiple times.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(s.tick)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.TickOnce(loopCtx, time.Now().UnixMilli())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.TickOnce(loopCtx, now.UnixMilli())
			}
		}
	}()
}

// Stop stops claiming and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// TickOnce claims due jobs once and dispatches them to the pool. Exported
// so tests can drive the scheduler with a virtual clock. Every tick mints a
// fresh lock token, so a zombie run from an earlier tick can never finalize
// a job that was reclaimed after its lease lapsed.
func (s *Scheduler) TickOnce(ctx context.Context, now int64) {
	token := uuid.NewString()
	claimed, err := s.store.ClaimDue(ctx, now, s.batch, token, s.lease.Milliseconds())
	if err != nil {
		s.logger.Warn("claim due jobs failed", zap.Error(err))
		return
	}
	if len(claimed) == 0 {
		return
	}
	metrics.JobsClaimedTotal.Add(float64(len(claimed)))

	for _, job := range claimed {
		if job.NextRunAt != nil {
			lag := time.Duration(now-*job.NextRunAt) * time.Millisecond
			metrics.RecordScheduleLag(job.Type, lag)
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutting down mid-batch: release the claim so the next
			// process picks the job up without waiting out the lease.
			s.releaseQuietly(job.ID, token)
			continue
		}

		s.wg.Add(1)
		go func(job jobs.Job) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.execute(ctx, job, now, token)
		}(job)
	}
}

func (s *Scheduler) execute(ctx context.Context, job jobs.Job, claimedAt int64, token string) {
	if job.ScheduleType == jobs.ScheduleOneShot && job.NextRunAt != nil &&
		claimedAt-*job.NextRunAt > oneShotStaleness.Milliseconds() {
		s.expireOneShot(ctx, job, claimedAt, token)
		return
	}

	// The run row starts out failed; a crash mid-run then reads as a
	// failure instead of a phantom success.
	run, err := s.store.InsertRun(ctx, jobs.Run{
		JobID:        job.ID,
		ScheduledFor: job.NextRunAt,
		StartedAt:    claimedAt,
		Status:       jobs.RunStatusFailed,
	})
	if err != nil {
		s.logger.Warn("insert run failed", zap.String("job_id", job.ID), zap.Error(err))
		s.releaseQuietly(job.ID, token)
		return
	}

	metrics.ActiveRuns.Inc()
	s.publish(events.RunStarted, job, "run started")

	result, code, runErr := s.invoke(ctx, job)

	metrics.ActiveRuns.Dec()
	finished := time.Now().UnixMilli()
	status := jobs.RunStatusSuccess
	var errCode, errMsg *string
	if runErr != nil {
		status = jobs.RunStatusFailed
		errCode = &code
		msg := runErr.Error()
		errMsg = &msg
	}

	if err := s.store.MarkRunFinished(ctx, run.ID, status, errCode, errMsg, result, finished); err != nil {
		s.logger.Warn("mark run finished failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	metrics.RecordRunComplete(job.Type, status, time.Duration(finished-claimedAt)*time.Millisecond)

	if runErr != nil {
		s.logger.Warn("job run failed",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.String("error_code", code),
			zap.Error(runErr),
		)
		s.publish(events.RunFailed, job, runErr.Error())
	} else {
		s.publish(events.RunFinished, job, "run finished")
	}

	s.finalize(ctx, job, finished, token)
}

// invoke runs the handler under the claimed lease's remaining lifetime,
// converting panics and missing handlers into failed runs. Hitting the
// lease deadline reports as lease_expired.
func (s *Scheduler) invoke(ctx context.Context, job jobs.Job) (result *string, code string, err error) {
	handler, ok := s.registry.Get(job.Type)
	if !ok {
		return nil, errCodeHandlerNotFound, fmt.Errorf("no handler registered for type %q", job.Type)
	}

	deadline := time.Now().Add(s.lease)
	if job.LockExpiresAt != nil {
		deadline = time.UnixMilli(*job.LockExpiresAt)
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result, code, err = nil, errCodePanic, fmt.Errorf("handler panicked: %v", r)
		}
	}()

	result, err = handler(runCtx, job)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errCodeLeaseExpired, err
		}
		return nil, errCodeHandlerFailed, err
	}
	return result, "", nil
}

func (s *Scheduler) finalize(ctx context.Context, job jobs.Job, now int64, token string) {
	var err error
	switch job.ScheduleType {
	case jobs.ScheduleRecurring:
		_, err = s.store.RescheduleRecurring(ctx, job.ID, token, now)
	case jobs.ScheduleOneShot:
		_, err = s.store.FinalizeOneShot(ctx, job.ID, token, jobs.TerminalCompleted, "", now)
	default:
		err = fmt.Errorf("unknown schedule type %q", job.ScheduleType)
	}
	if err == nil {
		return
	}

	if errors.Is(err, jobs.ErrLeaseExpired) {
		// Another worker reclaimed the job mid-run. Its finalize wins;
		// ours must not double-advance the schedule.
		metrics.LeaseExpiredTotal.Inc()
		s.logger.Warn("lease expired before finalize",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
		)
		return
	}
	s.logger.Warn("finalize job failed", zap.String("job_id", job.ID), zap.Error(err))
}

func (s *Scheduler) expireOneShot(ctx context.Context, job jobs.Job, now int64, token string) {
	run, err := s.store.InsertRun(ctx, jobs.Run{
		JobID:        job.ID,
		ScheduledFor: job.NextRunAt,
		StartedAt:    now,
		Status:       jobs.RunStatusSkipped,
	})
	if err == nil {
		reason := "due time passed more than 24h ago"
		_ = s.store.MarkRunFinished(ctx, run.ID, jobs.RunStatusSkipped, nil, &reason, nil, now)
	}
	if _, err := s.store.FinalizeOneShot(ctx, job.ID, token, jobs.TerminalExpired,
		"missed by more than the staleness window", now); err != nil {
		s.logger.Warn("expire oneshot failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	s.logger.Info("expired stale oneshot", zap.String("job_id", job.ID), zap.String("type", job.Type))
}

func (s *Scheduler) releaseQuietly(jobID, token string) {
	if err := s.store.ReleaseLock(context.Background(), jobID, token); err != nil &&
		!errors.Is(err, jobs.ErrLeaseExpired) {
		s.logger.Warn("release lock failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Scheduler) publish(evtType events.EventType, job jobs.Job, summary string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:    evtType,
		TaskID:  job.ID,
		Summary: summary,
		Detail:  map[string]any{"type": job.Type, "schedule": job.ScheduleType},
	})
}
