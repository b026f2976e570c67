// Package store owns the embedded SQLite database backing the Otto runtime.
// All repositories are façades over the single database opened here; the one
// exported concurrency primitive is BeginImmediate, which takes SQLite's
// reserved write lock at transaction start so the scheduler's due-claim scan
// and claim update form an atomic critical section.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ottolabs/otto/internal/migration"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// DB wraps the shared database handle.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the state database at dbPath with WAL journaling,
// foreign keys, and a busy timeout. Pass ":memory:" for tests.
func Open(dbPath string) (*DB, error) {
	// busy_timeout and foreign_keys are per-connection settings, so they
	// must ride the DSN to reach every connection database/sql pools; the
	// PRAGMA statements below would only configure whichever single
	// connection happens to execute them.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &DB{db: db}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migration.EnsureVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}
	return s, nil
}

// Handle exposes the raw handle to repository façades in this module.
func (s *DB) Handle() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ImmediateTx is a transaction opened with BEGIN IMMEDIATE on a dedicated
// connection. It holds SQLite's reserved write lock from the first statement,
// so read-then-update sequences inside it are atomic with respect to every
// other writer.
type ImmediateTx struct {
	conn *sql.Conn
	done bool
}

// BeginImmediate starts an immediate transaction. Exactly one of Commit or
// Rollback must be called; Rollback after Commit is a no-op, so
// `defer tx.Rollback()` is safe on all paths.
func (s *DB) BeginImmediate(ctx context.Context) (*ImmediateTx, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("begin immediate: %w", err)
	}
	return &ImmediateTx{conn: conn}, nil
}

// Exec runs a statement inside the transaction.
func (t *ImmediateTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

// Query runs a query inside the transaction.
func (t *ImmediateTx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row query inside the transaction.
func (t *ImmediateTx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction and releases the connection.
func (t *ImmediateTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(ctx, "COMMIT")
	_ = t.conn.Close()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. No-op after Commit.
func (t *ImmediateTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(ctx, "ROLLBACK")
	_ = t.conn.Close()
	return err
}
