package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ottolabs/otto/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func i64(v int64) *int64 { return &v }

func createRecurring(t *testing.T, s *Store, cadenceMin, nextRunAt int64) *Job {
	t.Helper()
	job, err := s.Create(context.Background(), Job{
		Type:           "digest",
		ScheduleType:   ScheduleRecurring,
		CadenceMinutes: i64(cadenceMin),
		NextRunAt:      i64(nextRunAt),
	})
	if err != nil {
		t.Fatalf("create recurring job: %v", err)
	}
	return job
}

func createOneShot(t *testing.T, s *Store, runAt int64) *Job {
	t.Helper()
	job, err := s.Create(context.Background(), Job{
		Type:         "reminder",
		ScheduleType: ScheduleOneShot,
		RunAt:        i64(runAt),
		NextRunAt:    i64(runAt),
	})
	if err != nil {
		t.Fatalf("create oneshot job: %v", err)
	}
	return job
}

func TestCreateGetListCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	created := createRecurring(t, s, 60, now)
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	fetched, err := s.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if fetched.Type != "digest" || fetched.Status != StatusIdle {
		t.Fatalf("unexpected job: %#v", fetched)
	}
	if fetched.ManagedBy != ManagedByOperator {
		t.Fatalf("expected operator-managed default, got %q", fetched.ManagedBy)
	}

	list, err := s.List(ctx, ListQuery{})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 job, got %d", len(list))
	}

	cancelled, err := s.Cancel(ctx, created.ID, "user request")
	if err != nil {
		t.Fatalf("cancel job: %v", err)
	}
	if cancelled.TerminalState == nil || *cancelled.TerminalState != TerminalCancelled {
		t.Fatalf("expected cancelled terminal state, got %#v", cancelled.TerminalState)
	}

	// Terminal jobs drop out of the default listing.
	list, err = s.List(ctx, ListQuery{})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected terminal job excluded, got %d", len(list))
	}

	if _, err := s.Cancel(ctx, created.ID, "again"); !IsNotFound(err) {
		t.Fatalf("expected not found on double cancel, got %v", err)
	}
}

func TestClaimDueStampsLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	due := createRecurring(t, s, 60, now-1000)
	createRecurring(t, s, 60, now+time.Hour.Milliseconds()) // not due

	claimed, err := s.ClaimDue(ctx, now, 16, "worker-a", 120_000)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("expected only the due job claimed, got %#v", claimed)
	}
	got := claimed[0]
	if got.LockToken == nil || *got.LockToken != "worker-a" {
		t.Fatal("expected lock token stamped")
	}
	if got.LockExpiresAt == nil || *got.LockExpiresAt != now+120_000 {
		t.Fatalf("unexpected lock expiry: %#v", got.LockExpiresAt)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected running status, got %q", got.Status)
	}

	// A second claim with a live lease gets nothing.
	again, err := s.ClaimDue(ctx, now, 16, "worker-b", 120_000)
	if err != nil {
		t.Fatalf("claim due again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no reclaim while lease live, got %d", len(again))
	}
}

func TestClaimDueSingleWinnerUnderContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	job := createOneShot(t, s, now-500)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		token := string(rune('a' + i))
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimDue(ctx, now, 16, token, 120_000)
			if err != nil {
				t.Errorf("claim due: %v", err)
				return
			}
			if len(claimed) == 1 {
				results <- token
			}
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for range results {
		winners++
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	fetched, err := s.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if fetched.LockToken == nil {
		t.Fatal("expected lock held after contention")
	}
}

func TestClaimDueReclaimsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	job := createRecurring(t, s, 60, now-1000)

	claimed, err := s.ClaimDue(ctx, now, 16, "crashed-worker", 1000)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("first claim: %v (%d claimed)", err, len(claimed))
	}

	// Simulated clock advance past the short lease.
	later := now + 5000
	reclaimed, err := s.ClaimDue(ctx, later, 16, "fresh-worker", 120_000)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != job.ID {
		t.Fatalf("expected expired lease reclaimed, got %#v", reclaimed)
	}
	if *reclaimed[0].LockToken != "fresh-worker" {
		t.Fatalf("expected fresh token, got %q", *reclaimed[0].LockToken)
	}

	// The stale worker's guarded finalize must now fail.
	if _, err := s.RescheduleRecurring(ctx, job.ID, "crashed-worker", later); err != ErrLeaseExpired {
		t.Fatalf("expected ErrLeaseExpired for stale token, got %v", err)
	}
}

func TestClaimDueSkipsPausedAndTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	paused := createRecurring(t, s, 60, now-1000)
	if _, err := s.UpdateFields(ctx, paused.ID, map[string]any{"status": StatusPaused}); err != nil {
		t.Fatalf("pause job: %v", err)
	}
	done := createOneShot(t, s, now-1000)
	if _, err := s.Cancel(ctx, done.ID, "no longer needed"); err != nil {
		t.Fatalf("cancel job: %v", err)
	}

	claimed, err := s.ClaimDue(ctx, now, 16, "w", 120_000)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected nothing claimable, got %d", len(claimed))
	}
}

func TestRescheduleRecurringAdvancesPastNow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	// Due three hours ago with a one hour cadence: the next fire time must
	// land in the future, not replay the missed slots.
	origin := now - 3*time.Hour.Milliseconds()
	job := createRecurring(t, s, 60, origin)

	claimed, err := s.ClaimDue(ctx, now, 16, "w", 120_000)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d claimed)", err, len(claimed))
	}

	updated, err := s.RescheduleRecurring(ctx, job.ID, "w", now)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if updated.NextRunAt == nil || *updated.NextRunAt <= now {
		t.Fatalf("expected next run strictly after now, got %#v", updated.NextRunAt)
	}
	cadenceMs := int64(60 * 60_000)
	if (*updated.NextRunAt-origin)%cadenceMs != 0 {
		t.Fatalf("expected next run aligned to cadence grid, got %d", *updated.NextRunAt)
	}
	if updated.LastRunAt == nil || *updated.LastRunAt != now {
		t.Fatalf("expected last run stamped, got %#v", updated.LastRunAt)
	}
	if updated.LockToken != nil || updated.Status != StatusIdle {
		t.Fatal("expected lock released and status idle")
	}
}

func TestFinalizeOneShotIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	job := createOneShot(t, s, now-1000)
	claimed, err := s.ClaimDue(ctx, now, 16, "w", 120_000)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d claimed)", err, len(claimed))
	}

	final, err := s.FinalizeOneShot(ctx, job.ID, "w", TerminalCompleted, "", now)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.TerminalState == nil || *final.TerminalState != TerminalCompleted {
		t.Fatalf("expected completed, got %#v", final.TerminalState)
	}
	if final.NextRunAt != nil {
		t.Fatal("expected next run cleared on terminal job")
	}

	// Terminal jobs never fire again.
	claimed, err = s.ClaimDue(ctx, now+time.Hour.Milliseconds(), 16, "w2", 120_000)
	if err != nil {
		t.Fatalf("claim after finalize: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected terminal job unclaimable, got %d", len(claimed))
	}

	if _, err := s.FinalizeOneShot(ctx, job.ID, "w", TerminalExpired, "", now); err != ErrLeaseExpired {
		t.Fatalf("expected guarded finalize to fail on terminal job, got %v", err)
	}
}

func TestReleaseLockGuardedByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	job := createRecurring(t, s, 60, now-1000)
	if _, err := s.ClaimDue(ctx, now, 16, "holder", 120_000); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.ReleaseLock(ctx, job.ID, "intruder"); err != ErrLeaseExpired {
		t.Fatalf("expected release with wrong token to fail, got %v", err)
	}
	if err := s.ReleaseLock(ctx, job.ID, "holder"); err != nil {
		t.Fatalf("release: %v", err)
	}

	fetched, err := s.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.LockToken != nil || fetched.Status != StatusIdle {
		t.Fatal("expected lock cleared and status idle")
	}
}

func TestRunHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	job := createRecurring(t, s, 60, now)

	run, err := s.InsertRun(ctx, Run{
		JobID:        job.ID,
		ScheduledFor: i64(now),
		StartedAt:    now,
		Status:       "running",
	})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}

	msg := "handler blew up"
	code := "internal_error"
	if err := s.MarkRunFinished(ctx, run.ID, RunStatusFailed, &code, &msg, nil, now+200); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	got, err := s.GetRunByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != RunStatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != msg {
		t.Fatalf("unexpected run: %#v", got)
	}
	if got.FinishedAt == nil || *got.FinishedAt != now+200 {
		t.Fatalf("unexpected finished_at: %#v", got.FinishedAt)
	}

	runs, err := s.ListRunsByJobID(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	count, err := s.CountRunsByJobID(ctx, job.ID)
	if err != nil || count != 1 {
		t.Fatalf("count runs: %v (%d)", err, count)
	}

	failed, err := s.ListRecentFailedRuns(ctx, now-1000, 10)
	if err != nil {
		t.Fatalf("list failed runs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != run.ID {
		t.Fatalf("expected the failed run, got %#v", failed)
	}

	deleted, err := s.DeleteRunsBefore(ctx, now+time.Hour.Milliseconds())
	if err != nil || deleted != 1 {
		t.Fatalf("prune runs: %v (%d)", err, deleted)
	}
}

func TestUpdateFieldsRejectsUnknownColumn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	job := createRecurring(t, s, 60, now)
	if _, err := s.UpdateFields(ctx, job.ID, map[string]any{"lock_token": "x"}); err == nil {
		t.Fatal("expected lock_token update rejected")
	}

	updated, err := s.UpdateFields(ctx, job.ID, map[string]any{"cadence_minutes": int64(120)})
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	if updated.CadenceMinutes == nil || *updated.CadenceMinutes != 120 {
		t.Fatalf("unexpected cadence: %#v", updated.CadenceMinutes)
	}
}

func TestValidateSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, Job{Type: "x", ScheduleType: ScheduleRecurring}); err == nil {
		t.Fatal("expected recurring without cadence rejected")
	}
	if _, err := s.Create(ctx, Job{Type: "x", ScheduleType: ScheduleOneShot}); err == nil {
		t.Fatal("expected oneshot without runAt rejected")
	}
	if _, err := s.Create(ctx, Job{Type: "x", ScheduleType: "weekly"}); err == nil {
		t.Fatal("expected unknown schedule type rejected")
	}
}
