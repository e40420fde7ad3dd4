package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Timestamps are stored as unix nanoseconds so the same statements run on
// Postgres and SQLite.
var sharedSchema = []string{
	`CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		stem TEXT NOT NULL,
		options_json TEXT NOT NULL,
		correct_option INTEGER NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_pool ON questions (topic, difficulty)`,
	`CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		exam_date TEXT NOT NULL,
		start_at BIGINT NOT NULL,
		end_at BIGINT NOT NULL,
		submitted_at BIGINT,
		score INTEGER,
		correct_count INTEGER,
		question_count INTEGER NOT NULL,
		auto_submitted BOOLEAN NOT NULL DEFAULT FALSE,
		terminate_reason TEXT NOT NULL DEFAULT '',
		session_token TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_attempts_active_candidate
		ON attempts (candidate_id) WHERE submitted_at IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_attempts_candidate_exam_date
		ON attempts (candidate_id, exam_date)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_open_end_at
		ON attempts (end_at) WHERE submitted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS attempt_questions (
		attempt_id TEXT NOT NULL REFERENCES attempts (id),
		seq_no INTEGER NOT NULL,
		question_id TEXT NOT NULL,
		option_count INTEGER NOT NULL,
		PRIMARY KEY (attempt_id, seq_no),
		UNIQUE (attempt_id, question_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attempt_answers (
		attempt_id TEXT NOT NULL REFERENCES attempts (id),
		question_id TEXT NOT NULL,
		selected_option INTEGER NOT NULL,
		marked_for_review BOOLEAN NOT NULL DEFAULT FALSE,
		first_saved_at BIGINT NOT NULL,
		saved_at BIGINT NOT NULL,
		PRIMARY KEY (attempt_id, question_id)
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		attempt_id TEXT PRIMARY KEY REFERENCES attempts (id),
		candidate_id TEXT NOT NULL,
		exam_date TEXT NOT NULL,
		token TEXT NOT NULL,
		issued_at BIGINT NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS attempt_events (
		id BIGSERIAL PRIMARY KEY,
		attempt_id TEXT NOT NULL REFERENCES attempts (id),
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		escalating BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at BIGINT NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS attempt_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL REFERENCES attempts (id),
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		escalating BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at BIGINT NOT NULL
	)`,
}

var eventIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_attempt_events_attempt ON attempt_events (attempt_id, id)`,
}

// Migrate creates the tables used by the exam, report and credential packages.
// Statements are idempotent and run one at a time.
func Migrate(ctx context.Context, db *sql.DB, driver Driver) error {
	stmts := append([]string(nil), sharedSchema...)
	switch driver {
	case DriverSQLite:
		stmts = append(stmts, sqliteSchema...)
	default:
		stmts = append(stmts, postgresSchema...)
	}
	stmts = append(stmts, eventIndexes...)

	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}
