package question

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SQLStore reads the questions table through database/sql.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) PoolIDs(ctx context.Context, topic, difficulty string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM questions
		WHERE topic = $1 AND difficulty = $2 AND is_active = TRUE
		ORDER BY id
	`, topic, difficulty)
	if err != nil {
		return nil, fmt.Errorf("query pool ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pool id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool ids: %w", err)
	}
	return ids, nil
}

// Items does not filter on is_active: retired items still grade attempts that
// sampled them.
func (s *SQLStore) Items(ctx context.Context, ids []string) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, difficulty, stem, options_json, correct_option, explanation
		FROM questions
		WHERE id IN (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0, len(ids))
	for rows.Next() {
		var (
			it          Item
			optionsJSON string
		)
		if err := rows.Scan(&it.ID, &it.Topic, &it.Difficulty, &it.Stem, &optionsJSON, &it.CorrectOptionIndex, &it.Explanation); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if err := json.Unmarshal([]byte(optionsJSON), &it.Options); err != nil {
			return nil, fmt.Errorf("decode options of %s: %w", it.ID, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}
