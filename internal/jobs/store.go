package jobs

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

const (
	defaultRunLimit = 50
	maxRunListLimit = 500
)

// ErrLeaseExpired reports that a lease-guarded update found the caller's lock
// token missing from the row, meaning another worker reclaimed the job.
var ErrLeaseExpired = errors.New("job lease expired")

const jobColumns = `id, type, schedule_type, status, profile_id, model_ref, payload,
	run_at, cadence_minutes, last_run_at, next_run_at,
	terminal_state, terminal_reason, lock_token, lock_expires_at,
	managed_by, created_at, updated_at`

const runColumns = `id, job_id, scheduled_for, started_at, finished_at,
	status, error_code, error_message, result_json, created_at`

// ListQuery controls filtering for job listings.
type ListQuery struct {
	Type            string
	Status          string
	IncludeTerminal bool
	Limit           int
}

// Store persists jobs and their run history.
type Store struct {
	db *store.DB
}

// NewStore wraps the shared state database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts the job, or replaces every mutable column if a row with the
// same id already exists. Used by the scheduler to seed system jobs.
func (s *Store) Upsert(ctx context.Context, job Job) (*Job, error) {
	if err := validate(job); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.Handle().ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			schedule_type = excluded.schedule_type,
			status = excluded.status,
			profile_id = excluded.profile_id,
			model_ref = excluded.model_ref,
			payload = excluded.payload,
			run_at = excluded.run_at,
			cadence_minutes = excluded.cadence_minutes,
			next_run_at = excluded.next_run_at,
			managed_by = excluded.managed_by,
			updated_at = excluded.updated_at`,
		job.ID, job.Type, job.ScheduleType, job.Status,
		job.ProfileID, job.ModelRef, job.Payload,
		job.RunAt, job.CadenceMinutes, job.LastRunAt, job.NextRunAt,
		job.TerminalState, job.TerminalReason, job.LockToken, job.LockExpiresAt,
		job.ManagedBy, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert job: %w", err)
	}
	return s.GetByID(ctx, job.ID)
}

// Create inserts a new job. Fails if the id already exists.
func (s *Store) Create(ctx context.Context, job Job) (*Job, error) {
	if err := validate(job); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusIdle
	}
	if job.ManagedBy == "" {
		job.ManagedBy = ManagedByOperator
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.Handle().ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.ScheduleType, job.Status,
		job.ProfileID, job.ModelRef, job.Payload,
		job.RunAt, job.CadenceMinutes, job.LastRunAt, job.NextRunAt,
		job.TerminalState, job.TerminalReason, job.LockToken, job.LockExpiresAt,
		job.ManagedBy, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	out := job
	return &out, nil
}

// GetByID returns one job by id.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.Handle().QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// List returns jobs matching the query, newest update first. Terminal jobs
// are excluded unless IncludeTerminal is set.
func (s *Store) List(ctx context.Context, query ListQuery) ([]Job, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if !query.IncludeTerminal {
		clauses = append(clauses, "terminal_state IS NULL")
	}
	if t := strings.TrimSpace(query.Type); t != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, t)
	}
	if st := strings.TrimSpace(query.Status); st != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, st)
	}

	stmt := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY updated_at DESC`
	if query.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, query.Limit)
	}

	rows, err := s.db.Handle().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// UpdateFields applies a partial update to a non-terminal job. The updates
// map is keyed by column name; only whitelisted columns are accepted.
func (s *Store) UpdateFields(ctx context.Context, id string, updates map[string]any) (*Job, error) {
	if len(updates) == 0 {
		return s.GetByID(ctx, id)
	}

	allowed := map[string]bool{
		"type": true, "status": true, "profile_id": true, "model_ref": true,
		"payload": true, "run_at": true, "cadence_minutes": true, "next_run_at": true,
	}

	sets := make([]string, 0, len(updates)+1)
	args := make([]any, 0, len(updates)+2)
	for col, val := range updates {
		if !allowed[col] {
			return nil, fmt.Errorf("column not updatable: %s", col)
		}
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UnixMilli(), id)

	res, err := s.db.Handle().ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND terminal_state IS NULL`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}
	return s.GetByID(ctx, id)
}

// Cancel marks a non-terminal job cancelled and releases any lock. Cancelling
// a job that is mid-run does not interrupt the run; the worker's finalize
// step will see the terminal state and leave it untouched.
func (s *Store) Cancel(ctx context.Context, id, reason string) (*Job, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.Handle().ExecContext(ctx, `UPDATE jobs
		SET terminal_state = ?, terminal_reason = ?, next_run_at = NULL,
			lock_token = NULL, lock_expires_at = NULL, status = ?, updated_at = ?
		WHERE id = ? AND terminal_state IS NULL`,
		TerminalCancelled, reason, StatusIdle, now, id)
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}
	return s.GetByID(ctx, id)
}

// ClaimDue atomically claims up to limit due jobs for the worker identified
// by lockToken. A job is due when it is non-terminal, not paused, has
// next_run_at at or before now, and is unlocked or holds an expired lock.
// The whole scan-and-stamp runs inside one immediate transaction, so two
// schedulers polling concurrently can never claim the same job.
func (s *Store) ClaimDue(ctx context.Context, now int64, limit int, lockToken string, leaseMs int64) ([]Job, error) {
	tx, err := s.db.BeginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT id FROM jobs
		WHERE terminal_state IS NULL
		  AND status != ?
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= ?
		  AND (lock_token IS NULL OR lock_expires_at IS NULL OR lock_expires_at <= ?)
		ORDER BY next_run_at ASC, id ASC
		LIMIT ?`,
		StatusPaused, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("scan due jobs: %w", err)
	}

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	expires := now + leaseMs
	claimed := make([]Job, 0, len(ids))
	for _, id := range ids {
		res, err := tx.Exec(ctx, `UPDATE jobs
			SET lock_token = ?, lock_expires_at = ?, status = ?, updated_at = ?
			WHERE id = ?
			  AND terminal_state IS NULL
			  AND (lock_token IS NULL OR lock_expires_at IS NULL OR lock_expires_at <= ?)`,
			lockToken, expires, StatusRunning, now, id, now)
		if err != nil {
			return nil, fmt.Errorf("stamp lock on %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *job)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseLock clears the lock held by lockToken and returns the job to idle.
// Returns ErrLeaseExpired if the token no longer matches.
func (s *Store) ReleaseLock(ctx context.Context, id, lockToken string) error {
	res, err := s.db.Handle().ExecContext(ctx, `UPDATE jobs
		SET lock_token = NULL, lock_expires_at = NULL, status = ?, updated_at = ?
		WHERE id = ? AND lock_token = ?`,
		StatusIdle, time.Now().UnixMilli(), id, lockToken)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrLeaseExpired
	}
	return nil
}

// RescheduleRecurring finishes one execution of a recurring job: stamps
// last_run_at, advances next_run_at past now by whole cadence steps, and
// releases the lock. Guarded by lockToken.
func (s *Store) RescheduleRecurring(ctx context.Context, id, lockToken string, now int64) (*Job, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.LockToken == nil || *job.LockToken != lockToken {
		return nil, ErrLeaseExpired
	}
	if job.CadenceMinutes == nil || *job.CadenceMinutes <= 0 {
		return nil, fmt.Errorf("job %s has no cadence", id)
	}

	cadenceMs := *job.CadenceMinutes * 60_000
	base := now
	if job.NextRunAt != nil {
		base = *job.NextRunAt
	}
	next := base + cadenceMs
	if next <= now {
		// Catch up after downtime without firing a burst of missed runs.
		missed := (now - base) / cadenceMs
		next = base + (missed+1)*cadenceMs
	}

	res, err := s.db.Handle().ExecContext(ctx, `UPDATE jobs
		SET last_run_at = ?, next_run_at = ?, status = ?,
			lock_token = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lock_token = ? AND terminal_state IS NULL`,
		now, next, StatusIdle, now, id, lockToken)
	if err != nil {
		return nil, fmt.Errorf("reschedule job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, ErrLeaseExpired
	}
	return s.GetByID(ctx, id)
}

// FinalizeOneShot moves a one-shot job to its terminal state and releases
// the lock. Guarded by lockToken.
func (s *Store) FinalizeOneShot(ctx context.Context, id, lockToken, terminalState, reason string, now int64) (*Job, error) {
	res, err := s.db.Handle().ExecContext(ctx, `UPDATE jobs
		SET terminal_state = ?, terminal_reason = ?, last_run_at = ?,
			next_run_at = NULL, status = ?,
			lock_token = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lock_token = ? AND terminal_state IS NULL`,
		terminalState, reason, now, StatusIdle, now, id, lockToken)
	if err != nil {
		return nil, fmt.Errorf("finalize job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, ErrLeaseExpired
	}
	return s.GetByID(ctx, id)
}

// InsertRun records the start of one execution attempt.
func (s *Store) InsertRun(ctx context.Context, run Run) (*Run, error) {
	if strings.TrimSpace(run.JobID) == "" {
		return nil, fmt.Errorf("job id required")
	}

	now := time.Now().UnixMilli()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt == 0 {
		run.StartedAt = now
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}

	_, err := s.db.Handle().ExecContext(ctx, `INSERT INTO job_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.ScheduledFor, run.StartedAt, run.FinishedAt,
		run.Status, run.ErrorCode, run.ErrorMessage, run.ResultJSON, run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	out := run
	return &out, nil
}

// MarkRunFinished finalizes a run record with its outcome.
func (s *Store) MarkRunFinished(ctx context.Context, runID, status string, errorCode, errorMessage, resultJSON *string, finishedAt int64) error {
	res, err := s.db.Handle().ExecContext(ctx, `UPDATE job_runs
		SET finished_at = ?, status = ?, error_code = ?, error_message = ?, result_json = ?
		WHERE id = ?`,
		finishedAt, status, errorCode, errorMessage, resultJSON, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetRunByID returns one run record.
func (s *Store) GetRunByID(ctx context.Context, id string) (*Run, error) {
	row := s.db.Handle().QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRunsByJobID returns the most recent runs for one job.
func (s *Store) ListRunsByJobID(ctx context.Context, jobID string, limit int) ([]Run, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `SELECT `+runColumns+`
		FROM job_runs WHERE job_id = ?
		ORDER BY started_at DESC LIMIT ?`,
		jobID, normalizeRunLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRunsPage returns one page of a job's run history, newest first.
func (s *Store) ListRunsPage(ctx context.Context, jobID string, limit, offset int) ([]Run, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Handle().QueryContext(ctx, `SELECT `+runColumns+`
		FROM job_runs WHERE job_id = ?
		ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		jobID, normalizeRunLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// CountRunsByJobID returns the total number of runs recorded for one job.
func (s *Store) CountRunsByJobID(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.Handle().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_runs WHERE job_id = ?`, jobID).Scan(&n)
	return n, err
}

// ListRecentRuns returns the newest runs across all jobs.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `SELECT `+runColumns+`
		FROM job_runs ORDER BY started_at DESC LIMIT ?`,
		normalizeRunLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRecentFailedRuns returns failed runs that started at or after since.
func (s *Store) ListRecentFailedRuns(ctx context.Context, since int64, limit int) ([]Run, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `SELECT `+runColumns+`
		FROM job_runs WHERE status = ? AND started_at >= ?
		ORDER BY started_at DESC LIMIT ?`,
		RunStatusFailed, since, normalizeRunLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// DeleteRunsBefore removes run history older than cutoff. Returns the number
// of rows deleted.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.Handle().ExecContext(ctx,
		`DELETE FROM job_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

func normalizeRunLimit(limit int) int {
	if limit <= 0 {
		return defaultRunLimit
	}
	if limit > maxRunListLimit {
		return maxRunListLimit
	}
	return limit
}

func collectRuns(rows *sql.Rows) ([]Run, error) {
	out := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		job                             Job
		profileID, modelRef, payload    sql.NullString
		runAt, cadence, lastRun, nexRun sql.NullInt64
		termState, termReason, lockTok  sql.NullString
		lockExp                         sql.NullInt64
	)

	if err := s.Scan(
		&job.ID,
		&job.Type,
		&job.ScheduleType,
		&job.Status,
		&profileID,
		&modelRef,
		&payload,
		&runAt,
		&cadence,
		&lastRun,
		&nexRun,
		&termState,
		&termReason,
		&lockTok,
		&lockExp,
		&job.ManagedBy,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.ProfileID = nullStr(profileID)
	job.ModelRef = nullStr(modelRef)
	job.Payload = nullStr(payload)
	job.RunAt = nullInt(runAt)
	job.CadenceMinutes = nullInt(cadence)
	job.LastRunAt = nullInt(lastRun)
	job.NextRunAt = nullInt(nexRun)
	job.TerminalState = nullStr(termState)
	job.TerminalReason = nullStr(termReason)
	job.LockToken = nullStr(lockTok)
	job.LockExpiresAt = nullInt(lockExp)
	return &job, nil
}

func scanRun(s scanner) (*Run, error) {
	var (
		run                  Run
		schedFor, finishedAt sql.NullInt64
		errCode, errMsg, res sql.NullString
	)

	if err := s.Scan(
		&run.ID,
		&run.JobID,
		&schedFor,
		&run.StartedAt,
		&finishedAt,
		&run.Status,
		&errCode,
		&errMsg,
		&res,
		&run.CreatedAt,
	); err != nil {
		return nil, err
	}

	run.ScheduledFor = nullInt(schedFor)
	run.FinishedAt = nullInt(finishedAt)
	run.ErrorCode = nullStr(errCode)
	run.ErrorMessage = nullStr(errMsg)
	run.ResultJSON = nullStr(res)
	return &run, nil
}

func validate(job Job) error {
	if strings.TrimSpace(job.Type) == "" {
		return fmt.Errorf("type is required")
	}
	switch job.ScheduleType {
	case ScheduleRecurring:
		if job.CadenceMinutes == nil || *job.CadenceMinutes <= 0 {
			return fmt.Errorf("cadenceMinutes is required for recurring jobs")
		}
	case ScheduleOneShot:
		if job.RunAt == nil {
			return fmt.Errorf("runAt is required for oneshot jobs")
		}
	default:
		return fmt.Errorf("invalid schedule type: %s", job.ScheduleType)
	}
	return nil
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
