package outbound

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ottolabs/otto/internal/store"
)

const messageColumns = `id, chat_id, content, priority, status, dedupe_key,
	attempt_count, next_attempt_at, sent_at, failed_at, error_message,
	created_at, updated_at`

// Store persists the outbound message queue.
type Store struct {
	db *store.DB
}

// NewStore wraps the shared state database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a queued message ready for immediate delivery.
func (s *Store) Enqueue(ctx context.Context, msg Message) (*Message, error) {
	m, _, err := s.insert(ctx, msg)
	return m, err
}

// EnqueueOrIgnoreDedupe inserts a queued message unless a message with the
// same dedupe key already exists, in which case the existing message is
// returned and duplicate is true. The key collides regardless of the
// existing message's status; a key that was sent yesterday still suppresses
// today's enqueue until retention prunes it.
func (s *Store) EnqueueOrIgnoreDedupe(ctx context.Context, msg Message) (*Message, bool, error) {
	m, dup, err := s.insert(ctx, msg)
	if err != nil && isUniqueViolation(err) && msg.DedupeKey != nil {
		existing, gerr := s.getByDedupeKey(ctx, *msg.DedupeKey)
		if gerr != nil {
			return nil, false, fmt.Errorf("lookup deduped message: %w", gerr)
		}
		return existing, true, nil
	}
	return m, dup, err
}

func (s *Store) insert(ctx context.Context, msg Message) (*Message, bool, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return nil, false, fmt.Errorf("content is required")
	}
	if msg.ChatID == 0 {
		return nil, false, fmt.Errorf("chat id is required")
	}
	switch msg.Priority {
	case "":
		msg.Priority = PriorityNormal
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return nil, false, fmt.Errorf("invalid priority: %s", msg.Priority)
	}

	now := time.Now().UnixMilli()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Status = StatusQueued
	msg.AttemptCount = 0
	msg.CreatedAt = now
	msg.UpdatedAt = now

	_, err := s.db.Handle().ExecContext(ctx, `INSERT INTO outbound_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Content, msg.Priority, msg.Status, msg.DedupeKey,
		msg.AttemptCount, msg.NextAttemptAt, msg.SentAt, msg.FailedAt, msg.ErrorMessage,
		msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return nil, false, err
	}

	out := msg
	return &out, false, nil
}

// ListDue returns up to limit queued messages whose next attempt time has
// arrived, highest priority first, oldest first within a priority.
func (s *Store) ListDue(ctx context.Context, now int64, limit int) ([]Message, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `SELECT `+messageColumns+`
		FROM outbound_messages
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY
			CASE priority WHEN ? THEN 0 WHEN ? THEN 1 WHEN ? THEN 2 ELSE 3 END,
			created_at ASC,
			id ASC
		LIMIT ?`,
		StatusQueued, now, PriorityCritical, PriorityHigh, PriorityNormal, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// MarkSent finalizes a successful delivery and counts the attempt that
// carried it.
func (s *Store) MarkSent(ctx context.Context, id string, now int64) error {
	res, err := s.db.Handle().ExecContext(ctx, `UPDATE outbound_messages
		SET status = ?, sent_at = ?, attempt_count = attempt_count + 1,
			error_message = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusSent, now, now, id, StatusQueued)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return affected(res)
}

// MarkRetry records a failed transient attempt and schedules the next one.
func (s *Store) MarkRetry(ctx context.Context, id, errMsg string, nextAttemptAt, now int64) error {
	res, err := s.db.Handle().ExecContext(ctx, `UPDATE outbound_messages
		SET attempt_count = attempt_count + 1, next_attempt_at = ?,
			error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		nextAttemptAt, errMsg, now, id, StatusQueued)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return affected(res)
}

// Cancel withdraws a queued message before delivery.
func (s *Store) Cancel(ctx context.Context, id string, now int64) error {
	res, err := s.db.Handle().ExecContext(ctx, `UPDATE outbound_messages
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusCancelled, now, id, StatusQueued)
	if err != nil {
		return fmt.Errorf("cancel message: %w", err)
	}
	return affected(res)
}

// MarkFailed finalizes a message that will not be attempted again, either a
// permanent transport rejection or retry exhaustion.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, now int64) error {
	res, err := s.db.Handle().ExecContext(ctx, `UPDATE outbound_messages
		SET status = ?, failed_at = ?, attempt_count = attempt_count + 1,
			error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusFailed, now, errMsg, now, id, StatusQueued)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return affected(res)
}

// GetByID returns one message.
func (s *Store) GetByID(ctx context.Context, id string) (*Message, error) {
	row := s.db.Handle().QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM outbound_messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListRecent returns the newest messages regardless of status.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `SELECT `+messageColumns+`
		FROM outbound_messages ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// CountByStatus returns message counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Handle().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbound_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// DeleteTerminalBefore prunes sent, failed, and cancelled messages resolved
// before cutoff. Returns the number of rows deleted.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.Handle().ExecContext(ctx, `DELETE FROM outbound_messages
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		StatusSent, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune outbound: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) getByDedupeKey(ctx context.Context, key string) (*Message, error) {
	row := s.db.Handle().QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM outbound_messages WHERE dedupe_key = ?`, key)
	return scanMessage(row)
}

func affected(res sql.Result) error {
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func collect(rows *sql.Rows) ([]Message, error) {
	out := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func scanMessage(s scanner) (*Message, error) {
	var (
		msg                       Message
		dedupe, errMsg            sql.NullString
		nextAt, sentAt, failedAt  sql.NullInt64
	)

	if err := s.Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.Content,
		&msg.Priority,
		&msg.Status,
		&dedupe,
		&msg.AttemptCount,
		&nextAt,
		&sentAt,
		&failedAt,
		&errMsg,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if dedupe.Valid {
		v := dedupe.String
		msg.DedupeKey = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		msg.ErrorMessage = &v
	}
	if nextAt.Valid {
		v := nextAt.Int64
		msg.NextAttemptAt = &v
	}
	if sentAt.Valid {
		v := sentAt.Int64
		msg.SentAt = &v
	}
	if failedAt.Valid {
		v := failedAt.Int64
		msg.FailedAt = &v
	}
	return &msg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
