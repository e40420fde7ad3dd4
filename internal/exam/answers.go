package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cbtexam/internal/db"
)

type SaveAnswerInput struct {
	AttemptID           string
	CandidateID         string
	QuestionID          string
	SelectedOptionIndex int
	MarkedForReview     bool
	SessionToken        string
}

type AnswerAck struct {
	AttemptID  string    `json:"attempt_id"`
	QuestionID string    `json:"question_id"`
	SavedAt    time.Time `json:"saved_at"`
}

// SaveAnswer upserts one answer, last write wins. A save that arrives after
// end_at closes the attempt and reports ErrWindowExpired.
func (s *Service) SaveAnswer(ctx context.Context, in SaveAnswerInput, now time.Time) (*AnswerAck, error) {
	row, err := s.loadOwnedAttempt(ctx, in.AttemptID, in.CandidateID)
	if err != nil {
		return nil, err
	}
	if row.terminal() {
		return nil, ErrAttemptTerminal
	}
	if HasExpired(now, row.EndAt) {
		return nil, s.expire(ctx, row.ID, now)
	}
	if now.Before(row.StartAt) {
		return nil, ErrOutsideExamWindow
	}
	if err := s.verifyOwnership(ctx, row, in.SessionToken); err != nil {
		return nil, err
	}
	if in.SelectedOptionIndex < 0 {
		return nil, ErrInvalidOption
	}

	if err := s.upsertAnswer(ctx, in, row.ID, now); err != nil {
		if errors.Is(err, errAttemptClosed) {
			return nil, s.closedError(ctx, row.ID, now)
		}
		return nil, err
	}

	return &AnswerAck{AttemptID: row.ID, QuestionID: in.QuestionID, SavedAt: now}, nil
}

func (s *Service) upsertAnswer(ctx context.Context, in SaveAnswerInput, attemptID string, now time.Time) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockOpenAttempt(ctx, tx, attemptID, now); err != nil {
			return err
		}

		var optionCount int
		if err := tx.QueryRowContext(ctx, `
			SELECT option_count
			FROM attempt_questions
			WHERE attempt_id = $1 AND question_id = $2
		`, attemptID, in.QuestionID).Scan(&optionCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrQuestionNotInAttempt
			}
			return fmt.Errorf("validate question in attempt: %w", err)
		}
		if in.SelectedOptionIndex >= optionCount {
			return ErrInvalidOption
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attempt_answers (
				attempt_id,
				question_id,
				selected_option,
				marked_for_review,
				first_saved_at,
				saved_at
			) VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (attempt_id, question_id)
			DO UPDATE SET
				selected_option = EXCLUDED.selected_option,
				marked_for_review = EXCLUDED.marked_for_review,
				saved_at = EXCLUDED.saved_at
		`, attemptID, in.QuestionID, in.SelectedOptionIndex, in.MarkedForReview, toNanos(now)); err != nil {
			return fmt.Errorf("upsert answer: %w", err)
		}
		return nil
	})
}
