package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func TestOpenSQLiteAndMigrateTwice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Open(ctx, DriverSQLite, "file:db_test_migrate?mode=memory&cache=shared", PoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if err := Migrate(ctx, conn, DriverSQLite); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := Migrate(ctx, conn, DriverSQLite); err != nil {
		t.Fatalf("second migrate should be idempotent: %v", err)
	}

	if got := conn.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("expected sqlite pool pinned to 1 connection, got %d", got)
	}
}

func TestIsUniqueViolationSQLite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Open(ctx, DriverSQLite, "file:db_test_unique?mode=memory&cache=shared", PoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(ctx, conn, DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	insert := `
		INSERT INTO attempts (id, candidate_id, exam_date, start_at, end_at, question_count, session_token, created_at)
		VALUES ($1, $2, '2026-03-02', 1, 2, 0, 'tok', 1)
	`
	if _, err := conn.ExecContext(ctx, insert, "a1", "c1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err = conn.ExecContext(ctx, insert, "a2", "c1")
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation for second active attempt, got %v", err)
	}

	if IsUniqueViolation(nil) {
		t.Fatalf("nil must not be a unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error must not be a unique violation")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Driver("oracle"), "", PoolConfig{}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, DriverSQLite, "file:db_test_withtx?mode=memory&cache=shared", PoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(ctx, conn, DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	wantErr := errors.New("stop")
	err = WithTx(ctx, conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO questions (id, topic, difficulty, stem, options_json, correct_option)
			VALUES ('q1', 'math', 'easy', '1+1', '["1","2"]', 1)
		`); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected callback error, got %v", err)
	}

	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected rollback to leave 0 rows, got %d", n)
	}
}
