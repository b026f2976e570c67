package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/bindings"
	"github.com/ottolabs/otto/internal/jobs"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/profile"
)

const (
	TypeHeartbeat = "heartbeat"
	TypeWatchdog  = "watchdog_failures"

	watchdogCadenceMinutes = 60
	watchdogWindowExtra    = 5 * time.Minute
)

// System owns the system-reserved jobs: the heartbeat check-in and the
// failed-run watchdog. It seeds their rows at startup and provides their
// handlers.
type System struct {
	jobs     *jobs.Store
	profiles *profile.Store
	outbox   *outbound.Store
	chats    *bindings.Store
	logger   *zap.Logger
}

// NewSystem wires the system job manager.
func NewSystem(jobStore *jobs.Store, profiles *profile.Store, outbox *outbound.Store, chats *bindings.Store, logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{jobs: jobStore, profiles: profiles, outbox: outbox, chats: chats, logger: logger}
}

// Register binds the system handlers into a registry.
func (sys *System) Register(r *Registry) {
	r.Register(TypeHeartbeat, sys.runHeartbeat)
	r.Register(TypeWatchdog, sys.runWatchdog)
}

// EnsureJobs seeds (or refreshes) the system job rows. Idempotent; called on
// every startup so profile changes to heartbeat pacing take effect after a
// restart at the latest.
func (sys *System) EnsureJobs(ctx context.Context, now time.Time) error {
	prof, err := sys.profiles.Get(ctx)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	heartbeatNext := NextHeartbeatAfter(prof, now).UnixMilli()
	cadence := prof.HeartbeatCadenceMinutes
	if err := sys.ensureJob(ctx, TypeHeartbeat, cadence, heartbeatNext); err != nil {
		return err
	}

	watchdogNext := now.Add(watchdogCadenceMinutes * time.Minute).UnixMilli()
	if err := sys.ensureJob(ctx, TypeWatchdog, watchdogCadenceMinutes, watchdogNext); err != nil {
		return err
	}
	return nil
}

func (sys *System) ensureJob(ctx context.Context, jobType string, cadenceMinutes, nextRunAt int64) error {
	existing, err := sys.jobs.List(ctx, jobs.ListQuery{Type: jobType, Limit: 1})
	if err != nil {
		return fmt.Errorf("list %s jobs: %w", jobType, err)
	}

	job := jobs.Job{
		Type:           jobType,
		ScheduleType:   jobs.ScheduleRecurring,
		Status:         jobs.StatusIdle,
		CadenceMinutes: &cadenceMinutes,
		NextRunAt:      &nextRunAt,
		ManagedBy:      jobs.ManagedBySystem,
	}
	if len(existing) > 0 {
		// Keep the id and the in-flight schedule; only refresh the cadence.
		job.ID = existing[0].ID
		job.Status = existing[0].Status
		job.NextRunAt = existing[0].NextRunAt
		job.LastRunAt = existing[0].LastRunAt
		job.CreatedAt = existing[0].CreatedAt
	}

	if _, err := sys.jobs.Upsert(ctx, job); err != nil {
		return fmt.Errorf("seed %s job: %w", jobType, err)
	}
	return nil
}

// NextHeartbeatAfter computes the first heartbeat fire time after now. When
// the profile carries daily check-in times the earliest upcoming one wins;
// otherwise the cadence interval applies.
func NextHeartbeatAfter(prof *profile.Profile, now time.Time) time.Time {
	loc, err := time.LoadLocation(prof.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	var next time.Time
	for _, hhmm := range []*string{prof.HeartbeatMorning, prof.HeartbeatMidday, prof.HeartbeatEvening} {
		if hhmm == nil {
			continue
		}
		spec, err := cron.ParseStandard(cronSpecForClock(*hhmm))
		if err != nil {
			continue
		}
		candidate := spec.Next(local)
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	if !next.IsZero() {
		return next
	}
	return now.Add(time.Duration(prof.HeartbeatCadenceMinutes) * time.Minute)
}

// cronSpecForClock converts "HH:MM" into a daily cron expression.
func cronSpecForClock(hhmm string) string {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return "0 0 * * *"
	}
	return fmt.Sprintf("%d %d * * *", m, h)
}

func (sys *System) runHeartbeat(ctx context.Context, job jobs.Job) (*string, error) {
	now := time.Now()
	prof, err := sys.profiles.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	if prof.SuppressNonCritical(now) {
		return resultNote("skipped: quiet hours"), nil
	}

	chatID, err := sys.chats.LatestChatID(ctx)
	if err != nil {
		if bindings.IsNotFound(err) {
			return resultNote("skipped: no chat binding yet"), nil
		}
		return nil, fmt.Errorf("resolve chat: %w", err)
	}

	active, err := sys.jobs.List(ctx, jobs.ListQuery{})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	pending := 0
	for _, j := range active {
		if !jobs.SystemTypes[j.Type] {
			pending++
		}
	}

	since := now.Add(-time.Duration(prof.HeartbeatCadenceMinutes) * time.Minute).UnixMilli()
	failed, err := sys.jobs.ListRecentFailedRuns(ctx, since, 10)
	if err != nil {
		return nil, fmt.Errorf("list failed runs: %w", err)
	}

	if prof.HeartbeatOnlyIfSignal && pending == 0 && len(failed) == 0 {
		return resultNote("skipped: nothing to report"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Checking in. %d task(s) on the books.", pending)
	if len(failed) > 0 {
		fmt.Fprintf(&b, " %d run(s) failed recently.", len(failed))
	}

	dedupe := fmt.Sprintf("heartbeat:%s", now.UTC().Format("2006-01-02T15"))
	_, dup, err := sys.outbox.EnqueueOrIgnoreDedupe(ctx, outbound.Message{
		ChatID:    chatID,
		Content:   b.String(),
		Priority:  outbound.PriorityLow,
		DedupeKey: &dedupe,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue heartbeat: %w", err)
	}
	if dup {
		return resultNote("skipped: already sent this hour"), nil
	}

	if err := sys.profiles.MarkDigestSent(ctx, now.UnixMilli()); err != nil {
		sys.logger.Warn("mark digest sent failed", zap.Error(err))
	}
	return resultNote("heartbeat queued"), nil
}

func (sys *System) runWatchdog(ctx context.Context, job jobs.Job) (*string, error) {
	now := time.Now()
	window := watchdogCadenceMinutes*time.Minute + watchdogWindowExtra
	since := now.Add(-window).UnixMilli()

	failed, err := sys.jobs.ListRecentFailedRuns(ctx, since, 20)
	if err != nil {
		return nil, fmt.Errorf("list failed runs: %w", err)
	}
	// Exclude our own failures to avoid a feedback loop.
	relevant := make([]jobs.Run, 0, len(failed))
	for _, run := range failed {
		if run.JobID != job.ID {
			relevant = append(relevant, run)
		}
	}
	if len(relevant) == 0 {
		return resultNote("no failures in window"), nil
	}

	chatID, err := sys.chats.LatestChatID(ctx)
	if err != nil {
		if bindings.IsNotFound(err) {
			return resultNote("failures detected but no chat binding"), nil
		}
		return nil, fmt.Errorf("resolve chat: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d background run(s) failed in the last hour:\n", len(relevant))
	for i, run := range relevant {
		if i == 5 {
			fmt.Fprintf(&b, "…and %d more", len(relevant)-5)
			break
		}
		msg := "unknown error"
		if run.ErrorMessage != nil {
			msg = *run.ErrorMessage
		}
		fmt.Fprintf(&b, "- job %s: %s\n", run.JobID, msg)
	}

	dedupe := fmt.Sprintf("watchdog:%s", now.UTC().Format("2006-01-02T15"))
	_, _, err = sys.outbox.EnqueueOrIgnoreDedupe(ctx, outbound.Message{
		ChatID:    chatID,
		Content:   strings.TrimRight(b.String(), "\n"),
		Priority:  outbound.PriorityHigh,
		DedupeKey: &dedupe,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue watchdog summary: %w", err)
	}
	return resultNote(fmt.Sprintf("summarized %d failures", len(relevant))), nil
}

func resultNote(note string) *string {
	doc := fmt.Sprintf(`{"note":%q}`, note)
	return &doc
}
