package store

import "fmt"

// All timestamps are epoch milliseconds stored as INTEGER.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		type             TEXT NOT NULL,
		schedule_type    TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'idle',
		profile_id       TEXT,
		model_ref        TEXT,
		payload          TEXT,
		run_at           INTEGER,
		cadence_minutes  INTEGER,
		last_run_at      INTEGER,
		next_run_at      INTEGER,
		terminal_state   TEXT,
		terminal_reason  TEXT,
		lock_token       TEXT,
		lock_expires_at  INTEGER,
		managed_by       TEXT NOT NULL DEFAULT 'operator',
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON jobs(next_run_at) WHERE terminal_state IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at)`,

	`CREATE TABLE IF NOT EXISTS job_runs (
		id            TEXT PRIMARY KEY,
		job_id        TEXT NOT NULL,
		scheduled_for INTEGER,
		started_at    INTEGER NOT NULL,
		finished_at   INTEGER,
		status        TEXT NOT NULL,
		error_code    TEXT,
		error_message TEXT,
		result_json   TEXT,
		created_at    INTEGER NOT NULL,
		FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_runs_job_started ON job_runs(job_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_job_runs_started ON job_runs(started_at)`,

	`CREATE TABLE IF NOT EXISTS outbound_messages (
		id              TEXT PRIMARY KEY,
		chat_id         INTEGER NOT NULL,
		content         TEXT NOT NULL,
		priority        TEXT NOT NULL DEFAULT 'normal',
		status          TEXT NOT NULL DEFAULT 'queued',
		dedupe_key      TEXT,
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER,
		sent_at         INTEGER,
		failed_at       INTEGER,
		error_message   TEXT,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbound_dedupe ON outbound_messages(dedupe_key) WHERE dedupe_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_outbound_due ON outbound_messages(status, next_attempt_at)`,

	`CREATE TABLE IF NOT EXISTS task_audit (
		id            TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL,
		action        TEXT NOT NULL,
		lane          TEXT NOT NULL,
		actor         TEXT NOT NULL DEFAULT '',
		before_json   TEXT,
		after_json    TEXT,
		metadata_json TEXT,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_audit_task ON task_audit(task_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_task_audit_created ON task_audit(created_at)`,

	`CREATE TABLE IF NOT EXISTS command_audit (
		id            TEXT PRIMARY KEY,
		command       TEXT NOT NULL,
		lane          TEXT NOT NULL,
		status        TEXT NOT NULL,
		error_message TEXT,
		metadata_json TEXT,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_command_audit_created ON command_audit(created_at)`,

	`CREATE TABLE IF NOT EXISTS user_profile (
		id                        INTEGER PRIMARY KEY CHECK (id = 1),
		timezone                  TEXT NOT NULL DEFAULT 'UTC',
		quiet_hours_start         TEXT,
		quiet_hours_end           TEXT,
		quiet_mode                TEXT NOT NULL DEFAULT 'off',
		mute_until                INTEGER,
		heartbeat_morning         TEXT,
		heartbeat_midday          TEXT,
		heartbeat_evening         TEXT,
		heartbeat_cadence_minutes INTEGER NOT NULL DEFAULT 240,
		heartbeat_only_if_signal  INTEGER NOT NULL DEFAULT 0,
		onboarded_at              INTEGER,
		last_digest_at            INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS chat_bindings (
		session_id TEXT PRIMARY KEY,
		chat_id    INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
}

func (s *DB) createSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
