package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cbtexam/internal/db"
	"cbtexam/internal/question"
)

// errAttemptClosed means a guarded write found the attempt terminal or
// outside its time window. Callers reload the row to decide which.
var errAttemptClosed = errors.New("attempt closed for writes")

type attemptRow struct {
	ID              string
	CandidateID     string
	ExamDate        string
	StartAt         time.Time
	EndAt           time.Time
	SubmittedAt     *time.Time
	Score           sql.NullInt64
	CorrectCount    sql.NullInt64
	QuestionCount   int
	AutoSubmitted   bool
	TerminateReason string
	SessionToken    string
	Version         int64
}

func (r *attemptRow) terminal() bool {
	return r.SubmittedAt != nil
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const attemptColumns = `
	id,
	candidate_id,
	exam_date,
	start_at,
	end_at,
	submitted_at,
	score,
	correct_count,
	question_count,
	auto_submitted,
	terminate_reason,
	session_token,
	version
`

func scanAttempt(sc rowScanner) (*attemptRow, error) {
	var (
		row         attemptRow
		startAt     int64
		endAt       int64
		submittedAt sql.NullInt64
	)
	if err := sc.Scan(
		&row.ID,
		&row.CandidateID,
		&row.ExamDate,
		&startAt,
		&endAt,
		&submittedAt,
		&row.Score,
		&row.CorrectCount,
		&row.QuestionCount,
		&row.AutoSubmitted,
		&row.TerminateReason,
		&row.SessionToken,
		&row.Version,
	); err != nil {
		return nil, err
	}
	row.StartAt = fromNanos(startAt)
	row.EndAt = fromNanos(endAt)
	if submittedAt.Valid {
		t := fromNanos(submittedAt.Int64)
		row.SubmittedAt = &t
	}
	return &row, nil
}

func (s *Service) loadAttemptRow(ctx context.Context, q queryable, attemptID string) (*attemptRow, error) {
	row, err := scanAttempt(q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE id = $1
	`, attemptID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	return row, nil
}

func (s *Service) findActiveAttempt(ctx context.Context, q queryable, candidateID string) (*attemptRow, error) {
	row, err := scanAttempt(q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE candidate_id = $1 AND submitted_at IS NULL
	`, candidateID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active attempt: %w", err)
	}
	return row, nil
}

func (s *Service) findAttemptForDate(ctx context.Context, q queryable, candidateID, examDate string) (*attemptRow, error) {
	row, err := scanAttempt(q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE candidate_id = $1 AND exam_date = $2
	`, candidateID, examDate))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find attempt for exam date: %w", err)
	}
	return row, nil
}

func (s *Service) insertAttempt(ctx context.Context, row *attemptRow, items []question.ItemView, now time.Time) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attempts (
				id,
				candidate_id,
				exam_date,
				start_at,
				end_at,
				question_count,
				session_token,
				created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, row.ID, row.CandidateID, row.ExamDate, toNanos(row.StartAt), toNanos(row.EndAt), row.QuestionCount, row.SessionToken, toNanos(now)); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}

		for i, it := range items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attempt_questions (attempt_id, seq_no, question_id, option_count)
				VALUES ($1, $2, $3, $4)
			`, row.ID, i+1, it.ID, len(it.Options)); err != nil {
				return fmt.Errorf("insert attempt question: %w", err)
			}
		}
		return nil
	})
}

// rotateSessionToken hands the attempt to a new client. It reports false when
// the attempt turned terminal first.
func (s *Service) rotateSessionToken(ctx context.Context, attemptID, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts
		SET session_token = $2,
			version = version + 1
		WHERE id = $1 AND submitted_at IS NULL
	`, attemptID, token)
	if err != nil {
		return false, fmt.Errorf("rotate session token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rotate session token rows: %w", err)
	}
	return n == 1, nil
}

func (s *Service) loadAttemptQuestionIDs(ctx context.Context, q queryable, attemptID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT question_id
		FROM attempt_questions
		WHERE attempt_id = $1
		ORDER BY seq_no
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query attempt questions: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan attempt question: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt questions: %w", err)
	}
	return ids, nil
}

// loadAnswers returns answers in the order they were first saved.
func (s *Service) loadAnswers(ctx context.Context, q queryable, attemptID string) ([]AnswerState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT question_id, selected_option, marked_for_review, saved_at
		FROM attempt_answers
		WHERE attempt_id = $1
		ORDER BY first_saved_at, question_id
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	out := make([]AnswerState, 0)
	for rows.Next() {
		var (
			a       AnswerState
			savedAt int64
		)
		if err := rows.Scan(&a.QuestionID, &a.SelectedOptionIndex, &a.MarkedForReview, &savedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		a.SavedAt = fromNanos(savedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

// lockOpenAttempt bumps the version of a non-terminal attempt whose window
// contains now. The row lock it takes serializes writers on one attempt.
func lockOpenAttempt(ctx context.Context, tx *sql.Tx, attemptID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE attempts
		SET version = version + 1
		WHERE id = $1
			AND submitted_at IS NULL
			AND start_at <= $2
			AND end_at >= $2
	`, attemptID, toNanos(now))
	if err != nil {
		return fmt.Errorf("lock attempt: %w", err)
	}
	return requireOneRow(res)
}

// lockNonTerminalAttempt is lockOpenAttempt without the time window, used by
// finalization which must also run after end_at.
func lockNonTerminalAttempt(ctx context.Context, tx *sql.Tx, attemptID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE attempts
		SET version = version + 1
		WHERE id = $1 AND submitted_at IS NULL
	`, attemptID)
	if err != nil {
		return fmt.Errorf("lock attempt for finalize: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return errAttemptClosed
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, attemptID, kind, detail string, escalating bool, at time.Time) (int64, error) {
	var id int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO attempt_events (attempt_id, kind, detail, escalating, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, attemptID, kind, detail, escalating, toNanos(at)).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert attempt event: %w", err)
	}
	return id, nil
}

func (s *Service) countEscalations(ctx context.Context, q queryable, attemptID string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM attempt_events
		WHERE attempt_id = $1 AND escalating = TRUE
	`, attemptID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count escalations: %w", err)
	}
	return n, nil
}

func (s *Service) listExpiredAttemptIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM attempts
		WHERE submitted_at IS NULL AND end_at < $1
		ORDER BY end_at
		LIMIT $2
	`, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired attempts: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired attempt: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired attempts: %w", err)
	}
	return ids, nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
