// Package audit records an append-only trail of task mutations and operator
// commands. Entries are written in the same transaction scope as the
// mutation they describe and are never updated afterwards.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ottolabs/otto/internal/store"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"

	LaneInteractive = "interactive"
	LaneOperatorAPI = "operator-api"
	LaneScheduled   = "scheduled"

	CommandSuccess = "success"
	CommandFailed  = "failed"
	CommandDenied  = "denied"
)

// TaskEntry is one recorded task mutation.
type TaskEntry struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"taskId"`
	Action       string  `json:"action"`
	Lane         string  `json:"lane"`
	Actor        string  `json:"actor"`
	BeforeJSON   *string `json:"before,omitempty"`
	AfterJSON    *string `json:"after,omitempty"`
	MetadataJSON *string `json:"metadata,omitempty"`
	CreatedAt    int64   `json:"createdAt"`
}

// CommandEntry is one recorded operator command.
type CommandEntry struct {
	ID           string  `json:"id"`
	Command      string  `json:"command"`
	Lane         string  `json:"lane"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
	MetadataJSON *string `json:"metadata,omitempty"`
	CreatedAt    int64   `json:"createdAt"`
}

// Store persists the audit trails.
type Store struct {
	db *store.DB
}

// NewStore wraps the shared state database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// RecordTask appends one task mutation entry.
func (s *Store) RecordTask(ctx context.Context, entry TaskEntry) (*TaskEntry, error) {
	if strings.TrimSpace(entry.TaskID) == "" {
		return nil, fmt.Errorf("task id required")
	}
	if strings.TrimSpace(entry.Action) == "" {
		return nil, fmt.Errorf("action required")
	}
	if strings.TrimSpace(entry.Lane) == "" {
		return nil, fmt.Errorf("lane required")
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Handle().ExecContext(ctx, `INSERT INTO task_audit
		(id, task_id, action, lane, actor, before_json, after_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, entry.Action, entry.Lane, entry.Actor,
		entry.BeforeJSON, entry.AfterJSON, entry.MetadataJSON, entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task audit: %w", err)
	}

	out := entry
	return &out, nil
}

// RecordCommand appends one operator command entry.
func (s *Store) RecordCommand(ctx context.Context, entry CommandEntry) (*CommandEntry, error) {
	if strings.TrimSpace(entry.Command) == "" {
		return nil, fmt.Errorf("command required")
	}
	if strings.TrimSpace(entry.Lane) == "" {
		return nil, fmt.Errorf("lane required")
	}
	if entry.Status == "" {
		entry.Status = CommandSuccess
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Handle().ExecContext(ctx, `INSERT INTO command_audit
		(id, command, lane, status, error_message, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Command, entry.Lane, entry.Status,
		entry.ErrorMessage, entry.MetadataJSON, entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert command audit: %w", err)
	}

	out := entry
	return &out, nil
}

// ListTaskAudit returns the newest entries for one task.
func (s *Store) ListTaskAudit(ctx context.Context, taskID string, limit int) ([]TaskEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Handle().QueryContext(ctx, `SELECT
		id, task_id, action, lane, actor, before_json, after_json, metadata_json, created_at
		FROM task_audit WHERE task_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TaskEntry, 0)
	for rows.Next() {
		var (
			e                   TaskEntry
			before, after, meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Action, &e.Lane, &e.Actor,
			&before, &after, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.BeforeJSON = nullable(before)
		e.AfterJSON = nullable(after)
		e.MetadataJSON = nullable(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRecentCommands returns the newest command entries.
func (s *Store) ListRecentCommands(ctx context.Context, limit int) ([]CommandEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Handle().QueryContext(ctx, `SELECT
		id, command, lane, status, error_message, metadata_json, created_at
		FROM command_audit
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CommandEntry, 0)
	for rows.Next() {
		var (
			e            CommandEntry
			errMsg, meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Command, &e.Lane, &e.Status,
			&errMsg, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ErrorMessage = nullable(errMsg)
		e.MetadataJSON = nullable(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteBefore prunes both trails older than cutoff. Returns total rows
// deleted.
func (s *Store) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	var total int64
	for _, table := range []string{"task_audit", "command_audit"} {
		res, err := s.db.Handle().ExecContext(ctx,
			`DELETE FROM `+table+` WHERE created_at < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func nullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
