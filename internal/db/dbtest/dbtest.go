// Package dbtest opens throwaway SQLite databases for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"cbtexam/internal/db"

	"github.com/google/uuid"
)

// Open returns a migrated in-memory database that is closed when the test ends.
func Open(t testing.TB) *sql.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := db.Open(ctx, db.DriverSQLite, dsn, db.PoolConfig{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := db.Migrate(ctx, conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return conn
}

// Question is a row for SeedQuestions.
type Question struct {
	ID         string
	Topic      string
	Difficulty string
	Stem       string
	Options    []string
	Correct    int
}

// SeedQuestions inserts bank rows directly; authoring is not part of this service.
func SeedQuestions(t testing.TB, conn *sql.DB, items ...Question) {
	t.Helper()
	for _, q := range items {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			t.Fatalf("marshal options: %v", err)
		}
		if _, err := conn.ExecContext(context.Background(), `
			INSERT INTO questions (id, topic, difficulty, stem, options_json, correct_option, explanation)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, q.ID, q.Topic, q.Difficulty, q.Stem, string(opts), q.Correct, "explanation for "+q.ID); err != nil {
			t.Fatalf("seed question %s: %v", q.ID, err)
		}
	}
}

// QuestionPool builds n four-option questions for one topic and difficulty
// with ids like "math-easy-01". The correct option is always index 1.
func QuestionPool(topic, difficulty string, n int) []Question {
	out := make([]Question, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Question{
			ID:         fmt.Sprintf("%s-%s-%02d", topic, difficulty, i),
			Topic:      topic,
			Difficulty: difficulty,
			Stem:       fmt.Sprintf("%s %s question %d", topic, difficulty, i),
			Options:    []string{"A", "B", "C", "D"},
			Correct:    1,
		})
	}
	return out
}
