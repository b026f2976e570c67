package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{
		"jobs", "job_runs", "outbound_messages",
		"task_audit", "command_audit", "user_profile", "chat_bindings",
	} {
		var name string
		err := db.Handle().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	var mode string
	if err := db.Handle().QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil || mode != "wal" {
		t.Fatalf("journal_mode = %q (%v), want wal", mode, err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
}

func TestBeginImmediateReadThenWrite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("begin immediate: %v", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		tx.Rollback(ctx)
		t.Fatalf("read in tx: %v", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_bindings (session_id, chat_id, created_at) VALUES (?, ?, ?)`,
		"sess", 1, 0,
	); err != nil {
		tx.Rollback(ctx)
		t.Fatalf("write in tx: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Rollback after commit is a no-op.
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}

	var got int64
	if err := db.Handle().QueryRow(`SELECT chat_id FROM chat_bindings WHERE session_id = 'sess'`).Scan(&got); err != nil || got != 1 {
		t.Fatalf("committed row missing: %d (%v)", got, err)
	}
}

func TestBeginImmediateRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("begin immediate: %v", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_bindings (session_id, chat_id, created_at) VALUES (?, ?, ?)`,
		"gone", 2, 0,
	); err != nil {
		t.Fatalf("write in tx: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	var count int
	db.Handle().QueryRow(`SELECT COUNT(*) FROM chat_bindings WHERE session_id = 'gone'`).Scan(&count)
	if count != 0 {
		t.Fatalf("rolled-back row persisted")
	}
}
