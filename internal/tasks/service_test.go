package tasks

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ottolabs/otto/internal/audit"
	"github.com/ottolabs/otto/internal/jobs"
	"github.com/ottolabs/otto/internal/store"
)

func newTestService(t *testing.T) (*Service, *audit.Store, *jobs.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	jobStore := jobs.NewStore(db)
	auditStore := audit.NewStore(db)
	return NewService(jobStore, auditStore, nil, nil), auditStore, jobStore
}

func i64(v int64) *int64 { return &v }

func str(s string) *string { return &s }

func TestCreateOneShot(t *testing.T) {
	svc, auditStore, _ := newTestService(t)
	ctx := context.Background()
	runAt := time.Now().Add(time.Hour).UnixMilli()

	task, err := svc.Create(ctx, LaneInteractive, "agent", CreateRequest{
		Type:         "reminder",
		ScheduleType: jobs.ScheduleOneShot,
		RunAt:        i64(runAt),
		Payload:      str(`{"text":"water the plants"}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.NextRunAt == nil || *task.NextRunAt != runAt {
		t.Fatalf("expected next run at runAt, got %#v", task.NextRunAt)
	}

	entries, err := auditStore.ListTaskAudit(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionCreate {
		t.Fatalf("expected one create audit entry, got %#v", entries)
	}
	if entries[0].Lane != LaneInteractive || entries[0].Actor != "agent" {
		t.Fatalf("unexpected audit attribution: %#v", entries[0])
	}
	if entries[0].AfterJSON == nil {
		t.Fatal("create entry must carry after snapshot")
	}
}

func TestCreateRecurringDefaultsFirstFire(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	before := time.Now().UnixMilli()

	task, err := svc.Create(ctx, LaneOperatorAPI, "operator", CreateRequest{
		Type:           "digest",
		ScheduleType:   jobs.ScheduleRecurring,
		CadenceMinutes: i64(60),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.NextRunAt == nil || *task.NextRunAt < before+59*60_000 {
		t.Fatalf("expected first fire one cadence out, got %#v", task.NextRunAt)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
		kind ErrorKind
	}{
		{"system type", CreateRequest{Type: "heartbeat", ScheduleType: jobs.ScheduleRecurring, CadenceMinutes: i64(60)}, KindForbiddenMutation},
		{"watchdog type", CreateRequest{Type: "watchdog_failures", ScheduleType: jobs.ScheduleOneShot, RunAt: i64(1)}, KindForbiddenMutation},
		{"oneshot without runAt", CreateRequest{Type: "x", ScheduleType: jobs.ScheduleOneShot}, KindInvalidRequest},
		{"recurring without cadence", CreateRequest{Type: "x", ScheduleType: jobs.ScheduleRecurring}, KindInvalidRequest},
		{"bad schedule type", CreateRequest{Type: "x", ScheduleType: "weekly"}, KindInvalidRequest},
	}
	for _, tc := range cases {
		_, err := svc.Create(ctx, LaneInteractive, "agent", tc.req)
		if err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if KindOf(err) != tc.kind {
			t.Fatalf("%s: expected %s, got %s (%v)", tc.name, tc.kind, KindOf(err), err)
		}
	}

	if _, err := svc.Create(ctx, "backchannel", "x", CreateRequest{
		Type: "x", ScheduleType: jobs.ScheduleOneShot, RunAt: i64(1),
	}); !IsKind(err, KindInvalidRequest) {
		t.Fatalf("expected unknown lane rejected, got %v", err)
	}

	// The scheduled lane never mutates.
	if _, err := svc.Create(ctx, LaneScheduled, "scheduler", CreateRequest{
		Type: "x", ScheduleType: jobs.ScheduleOneShot, RunAt: i64(1),
	}); !IsKind(err, KindForbiddenMutation) {
		t.Fatalf("expected scheduled lane rejected, got %v", err)
	}
}

func TestUpdateMutabilityRules(t *testing.T) {
	svc, _, jobStore := newTestService(t)
	ctx := context.Background()

	oneshot, err := svc.Create(ctx, LaneOperatorAPI, "operator", CreateRequest{
		Type: "reminder", ScheduleType: jobs.ScheduleOneShot,
		RunAt: i64(time.Now().Add(time.Hour).UnixMilli()),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Cadence on a oneshot is rejected.
	if _, err := svc.Update(ctx, LaneOperatorAPI, "operator", oneshot.ID, UpdateRequest{
		CadenceMinutes: i64(60),
	}); !IsKind(err, KindInvalidRequest) {
		t.Fatalf("expected cadence rejection on oneshot, got %v", err)
	}

	// Pausing works.
	paused, err := svc.Update(ctx, LaneOperatorAPI, "operator", oneshot.ID, UpdateRequest{
		Status: str(jobs.StatusPaused),
	})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != jobs.StatusPaused {
		t.Fatalf("expected paused, got %q", paused.Status)
	}

	// Running tasks refuse status flips.
	if _, err := jobStore.ClaimDue(ctx, time.Now().Add(2*time.Hour).UnixMilli(), 16, "w", 120_000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// The job is paused, so make a fresh one and claim it.
	running, _ := svc.Create(ctx, LaneOperatorAPI, "operator", CreateRequest{
		Type: "reminder", ScheduleType: jobs.ScheduleOneShot, RunAt: i64(time.Now().UnixMilli() - 1000),
	})
	claimed, err := jobStore.ClaimDue(ctx, time.Now().UnixMilli(), 16, "w", 120_000)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim running: %v (%d)", err, len(claimed))
	}
	if _, err := svc.Update(ctx, LaneOperatorAPI, "operator", running.ID, UpdateRequest{
		Status: str(jobs.StatusIdle),
	}); !IsKind(err, KindStateConflict) {
		t.Fatalf("expected mid-run status flip rejected, got %v", err)
	}
}

func TestUpdateSystemAndTerminalRejected(t *testing.T) {
	svc, _, jobStore := newTestService(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	system, err := jobStore.Upsert(ctx, jobs.Job{
		Type:           "heartbeat",
		ScheduleType:   jobs.ScheduleRecurring,
		CadenceMinutes: i64(240),
		NextRunAt:      i64(now),
		ManagedBy:      jobs.ManagedBySystem,
	})
	if err != nil {
		t.Fatalf("seed system job: %v", err)
	}

	if _, err := svc.Update(ctx, LaneOperatorAPI, "operator", system.ID, UpdateRequest{
		CadenceMinutes: i64(60),
	}); !IsKind(err, KindForbiddenMutation) {
		t.Fatalf("expected system task immutable, got %v", err)
	}
	if _, err := svc.Cancel(ctx, LaneOperatorAPI, "operator", system.ID, "nope"); !IsKind(err, KindForbiddenMutation) {
		t.Fatalf("expected system task uncancellable, got %v", err)
	}

	task, _ := svc.Create(ctx, LaneOperatorAPI, "operator", CreateRequest{
		Type: "reminder", ScheduleType: jobs.ScheduleOneShot, RunAt: i64(now + 1000),
	})
	if _, err := svc.Cancel(ctx, LaneOperatorAPI, "operator", task.ID, "done with it"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Update(ctx, LaneOperatorAPI, "operator", task.ID, UpdateRequest{
		Payload: str("{}"),
	}); !IsKind(err, KindStateConflict) {
		t.Fatalf("expected terminal task immutable, got %v", err)
	}
	if _, err := svc.Cancel(ctx, LaneOperatorAPI, "operator", task.ID, "again"); !IsKind(err, KindStateConflict) {
		t.Fatalf("expected double cancel rejected, got %v", err)
	}
}

func TestCancelEmitsAuditWithSnapshots(t *testing.T) {
	svc, auditStore, _ := newTestService(t)
	ctx := context.Background()

	task, _ := svc.Create(ctx, LaneInteractive, "agent", CreateRequest{
		Type: "reminder", ScheduleType: jobs.ScheduleOneShot,
		RunAt: i64(time.Now().Add(time.Hour).UnixMilli()),
	})
	if _, err := svc.Cancel(ctx, LaneOperatorAPI, "operator", task.ID, "changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	entries, err := auditStore.ListTaskAudit(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected create+delete entries, got %d", len(entries))
	}
	deleted := entries[0]
	if deleted.Action != audit.ActionDelete || deleted.Lane != LaneOperatorAPI {
		t.Fatalf("unexpected delete entry: %#v", deleted)
	}
	if deleted.BeforeJSON == nil {
		t.Fatal("delete entry must carry the before snapshot")
	}
	if deleted.AfterJSON != nil {
		t.Fatalf("delete entry must have no after snapshot, got %q", *deleted.AfterJSON)
	}
	if deleted.MetadataJSON == nil || !strings.Contains(*deleted.MetadataJSON, "changed plans") {
		t.Fatalf("expected reason in metadata, got %#v", deleted.MetadataJSON)
	}
}

func TestRunNow(t *testing.T) {
	svc, auditStore, _ := newTestService(t)
	ctx := context.Background()
	farFuture := time.Now().Add(24 * time.Hour).UnixMilli()

	task, _ := svc.Create(ctx, LaneOperatorAPI, "operator", CreateRequest{
		Type: "reminder", ScheduleType: jobs.ScheduleOneShot, RunAt: i64(farFuture),
	})

	bumped, err := svc.RunNow(ctx, LaneOperatorAPI, "operator", task.ID)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if bumped.NextRunAt == nil || *bumped.NextRunAt >= farFuture {
		t.Fatalf("expected next run pulled forward, got %#v", bumped.NextRunAt)
	}

	// Run-now audits as an update flagged in metadata.
	entries, _ := auditStore.ListTaskAudit(ctx, task.ID, 10)
	if len(entries) != 2 || entries[0].Action != audit.ActionUpdate {
		t.Fatalf("expected update entry for run-now, got %#v", entries)
	}
	if entries[0].MetadataJSON == nil || !strings.Contains(*entries[0].MetadataJSON, "runNow") {
		t.Fatalf("expected runNow flag in metadata, got %#v", entries[0].MetadataJSON)
	}

	if _, err := svc.RunNow(ctx, LaneOperatorAPI, "operator", "no-such-task"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
