package outbound

import (
	"context"
	"path/filepath"
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

func str(s string) *string { return &s }

func TestEnqueueDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, err := s.Enqueue(ctx, Message{ChatID: 42, Content: "hello"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("expected generated id")
	}
	if msg.Status != StatusQueued || msg.Priority != PriorityNormal {
		t.Fatalf("unexpected defaults: %#v", msg)
	}

	if _, err := s.Enqueue(ctx, Message{ChatID: 42}); err == nil {
		t.Fatal("expected empty content rejected")
	}
	if _, err := s.Enqueue(ctx, Message{Content: "x"}); err == nil {
		t.Fatal("expected missing chat id rejected")
	}
	if _, err := s.Enqueue(ctx, Message{ChatID: 1, Content: "x", Priority: "urgent"}); err == nil {
		t.Fatal("expected unknown priority rejected")
	}
}

func TestEnqueueOrIgnoreDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, dup, err := s.EnqueueOrIgnoreDedupe(ctx, Message{
		ChatID: 42, Content: "morning digest", DedupeKey: str("digest:2026-08-24"),
	})
	if err != nil || dup {
		t.Fatalf("first enqueue: %v (dup=%v)", err, dup)
	}

	second, dup, err := s.EnqueueOrIgnoreDedupe(ctx, Message{
		ChatID: 42, Content: "morning digest again", DedupeKey: str("digest:2026-08-24"),
	})
	if err != nil {
		t.Fatalf("deduped enqueue: %v", err)
	}
	if !dup {
		t.Fatal("expected duplicate detected")
	}
	if second.ID != first.ID || second.Content != "morning digest" {
		t.Fatalf("expected existing message returned, got %#v", second)
	}

	// Dedupe keys collide even after the original is sent.
	if err := s.MarkSent(ctx, first.ID, time.Now().UnixMilli()); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	_, dup, err = s.EnqueueOrIgnoreDedupe(ctx, Message{
		ChatID: 42, Content: "third", DedupeKey: str("digest:2026-08-24"),
	})
	if err != nil || !dup {
		t.Fatalf("expected collision against sent message, got dup=%v err=%v", dup, err)
	}

	// Messages without a key never collide with each other.
	if _, dup, err = s.EnqueueOrIgnoreDedupe(ctx, Message{ChatID: 42, Content: "a"}); err != nil || dup {
		t.Fatalf("keyless enqueue: %v (dup=%v)", err, dup)
	}
	if _, dup, err = s.EnqueueOrIgnoreDedupe(ctx, Message{ChatID: 42, Content: "b"}); err != nil || dup {
		t.Fatalf("second keyless enqueue: %v (dup=%v)", err, dup)
	}
}

func TestListDueOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	low, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "low", Priority: PriorityLow})
	normalOld, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "normal old"})
	normalNew, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "normal new"})
	high, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "high", Priority: PriorityHigh})
	critical, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "critical", Priority: PriorityCritical})

	// Force a stable created_at ordering inside the normal band.
	if _, err := s.db.Handle().ExecContext(ctx,
		`UPDATE outbound_messages SET created_at = ? WHERE id = ?`, now-2000, normalOld.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if _, err := s.db.Handle().ExecContext(ctx,
		`UPDATE outbound_messages SET created_at = ? WHERE id = ?`, now-1000, normalNew.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	due, err := s.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 5 {
		t.Fatalf("expected 5 due, got %d", len(due))
	}
	want := []string{critical.ID, high.ID, normalOld.ID, normalNew.ID, low.ID}
	for i, id := range want {
		if due[i].ID != id {
			t.Fatalf("position %d: expected %q got %q (%s)", i, id, due[i].ID, due[i].Content)
		}
	}
}

func TestListDueHonorsNextAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	msg, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "retry me"})
	if err := s.MarkRetry(ctx, msg.ID, "rate limited", now+30_000, now); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	due, err := s.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected backoff to hide message, got %d", len(due))
	}

	due, err = s.ListDue(ctx, now+31_000, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].AttemptCount != 1 {
		t.Fatalf("expected message due after backoff with 1 attempt, got %#v", due)
	}
}

func TestTerminalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	sent, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "a"})
	failed, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "b"})

	if err := s.MarkSent(ctx, sent.ID, now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.MarkFailed(ctx, failed.ID, "blocked by user", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// Terminal messages refuse further transitions.
	if err := s.MarkSent(ctx, sent.ID, now); !IsNotFound(err) {
		t.Fatalf("expected re-send rejected, got %v", err)
	}
	if err := s.MarkRetry(ctx, failed.ID, "x", now, now); !IsNotFound(err) {
		t.Fatalf("expected retry of failed rejected, got %v", err)
	}

	got, err := s.GetByID(ctx, failed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.FailedAt == nil || got.ErrorMessage == nil {
		t.Fatalf("unexpected failed message: %#v", got)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[StatusSent] != 1 || counts[StatusFailed] != 1 {
		t.Fatalf("unexpected counts: %#v", counts)
	}
}

func TestCancelWithdrawsQueuedOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	msg, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "never mind"})
	if err := s.Cancel(ctx, msg.ID, now); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := s.GetByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %q", got.Status)
	}
	if !got.IsTerminal() {
		t.Fatal("expected cancelled to be terminal")
	}

	// Cancelled messages never deliver and never flip back.
	due, err := s.ListDue(ctx, now+1, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected cancelled hidden from due list, got %d", len(due))
	}
	if err := s.Cancel(ctx, msg.ID, now); !IsNotFound(err) {
		t.Fatalf("expected re-cancel rejected, got %v", err)
	}
	if err := s.MarkSent(ctx, msg.ID, now); !IsNotFound(err) {
		t.Fatalf("expected send of cancelled rejected, got %v", err)
	}

	sent, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "already out"})
	if err := s.MarkSent(ctx, sent.ID, now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.Cancel(ctx, sent.ID, now); !IsNotFound(err) {
		t.Fatalf("expected cancel of sent rejected, got %v", err)
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	sent, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "old"})
	cancelled, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "withdrawn"})
	queued, _ := s.Enqueue(ctx, Message{ChatID: 1, Content: "still queued"})
	if err := s.MarkSent(ctx, sent.ID, now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.Cancel(ctx, cancelled.ID, now); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	deleted, err := s.DeleteTerminalBefore(ctx, now+1)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 pruned, got %d", deleted)
	}
	if _, err := s.GetByID(ctx, queued.ID); err != nil {
		t.Fatalf("queued message must survive pruning: %v", err)
	}
}
