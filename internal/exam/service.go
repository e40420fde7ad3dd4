package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cbtexam/internal/db"
	"cbtexam/internal/question"
	"cbtexam/internal/session"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrOutsideExamWindow        = errors.New("outside exam window")
	ErrNotFound                 = errors.New("attempt not found")
	ErrAttemptTerminal          = errors.New("attempt is already finalized")
	ErrAlreadySubmitted         = errors.New("attempt already submitted")
	ErrWindowExpired            = errors.New("attempt time window expired")
	ErrMissingQuestionReference = errors.New("answer references a question missing from the bank")
	ErrQuestionNotInAttempt     = errors.New("question not in attempt")
	ErrInvalidOption            = errors.New("invalid option index")
	ErrInvalidEventKind         = errors.New("invalid event kind")
	ErrInsufficientQuestions    = question.ErrInsufficientQuestions
	ErrSessionConflict          = session.ErrConflict
)

const (
	ReasonTimeUp    = "time up"
	ReasonIntegrity = "integrity threshold exceeded"

	// EventAutoSubmit is logged by the system on forced termination and
	// cannot be reported by clients.
	EventAutoSubmit = "auto_submit"

	DefaultDuration            = 7200 * time.Second
	DefaultEscalationThreshold = 3
)

var DefaultEscalatingKinds = []string{"tab_switch", "window_blur", "fullscreen_exit"}

var errStartRace = errors.New("concurrent attempt insert")

type Config struct {
	WindowStart         time.Time
	WindowEnd           time.Time
	ExamDate            string
	Duration            time.Duration
	Distribution        []question.Draw
	PointsPerQuestion   int
	EscalationThreshold int
	EscalatingKinds     []string
}

type questionBank interface {
	Sample(ctx context.Context, draws []question.Draw) ([]question.ItemView, error)
	Items(ctx context.Context, ids []string) ([]question.ItemView, error)
	AnswerKeys(ctx context.Context, ids []string) (map[string]int, error)
}

type Service struct {
	db         *sql.DB
	bank       questionBank
	owners     session.OwnershipStore
	cfg        Config
	escalating map[string]struct{}
}

type Attempt struct {
	ID           string    `json:"attempt_id"`
	CandidateID  string    `json:"candidate_id"`
	ExamDate     string    `json:"exam_date"`
	StartAt      time.Time `json:"start_at"`
	EndAt        time.Time `json:"end_at"`
	SessionToken string    `json:"session_token"`
	Resumed      bool      `json:"resumed"`
}

type QuestionSet struct {
	Attempt Attempt             `json:"attempt"`
	Items   []question.ItemView `json:"items"`
}

type AnswerState struct {
	QuestionID          string    `json:"question_id"`
	SelectedOptionIndex int       `json:"selected_option_index"`
	MarkedForReview     bool      `json:"marked_for_review"`
	SavedAt             time.Time `json:"saved_at"`
}

// AttemptStatus is the snapshot returned to candidates and proctors. It never
// includes the answer key or the session token.
type AttemptStatus struct {
	ID                  string        `json:"attempt_id"`
	CandidateID         string        `json:"candidate_id"`
	ExamDate            string        `json:"exam_date"`
	StartAt             time.Time     `json:"start_at"`
	EndAt               time.Time     `json:"end_at"`
	SubmittedAt         *time.Time    `json:"submitted_at,omitempty"`
	RemainingSecs       int64         `json:"remaining_secs"`
	Score               *int          `json:"score,omitempty"`
	AutoSubmitted       bool          `json:"auto_submitted"`
	TerminateReason     string        `json:"terminate_reason,omitempty"`
	QuestionCount       int           `json:"question_count"`
	Answered            int           `json:"answered"`
	MarkedForReview     int           `json:"marked_for_review"`
	EscalationCount     int           `json:"escalation_count"`
	EscalationThreshold int           `json:"escalation_threshold"`
	Answers             []AnswerState `json:"answers"`
}

type SubmitResult struct {
	AttemptID     string    `json:"attempt_id"`
	Score         int       `json:"score"`
	SubmittedAt   time.Time `json:"submitted_at"`
	AutoSubmitted bool      `json:"auto_submitted"`
	Reason        string    `json:"reason,omitempty"`
}

func NewService(conn *sql.DB, bank questionBank, owners session.OwnershipStore, cfg Config) *Service {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.PointsPerQuestion <= 0 {
		cfg.PointsPerQuestion = DefaultPointsPerQuestion
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = DefaultEscalationThreshold
	}
	if len(cfg.EscalatingKinds) == 0 {
		cfg.EscalatingKinds = DefaultEscalatingKinds
	}

	escalating := make(map[string]struct{}, len(cfg.EscalatingKinds))
	for _, k := range cfg.EscalatingKinds {
		escalating[normalizeKind(k)] = struct{}{}
	}

	return &Service{
		db:         conn,
		bank:       bank,
		owners:     owners,
		cfg:        cfg,
		escalating: escalating,
	}
}

// StartAttempt creates the candidate's attempt for the configured exam date or
// resumes the active one. Resuming hands ownership to the caller with a fresh
// session token; the previous client's token stops verifying.
func (s *Service) StartAttempt(ctx context.Context, candidateID string, now time.Time) (*Attempt, error) {
	if !IsWithinWindow(now, s.cfg.WindowStart, s.cfg.WindowEnd) {
		return nil, ErrOutsideExamWindow
	}

	attempt, err := s.startOrResume(ctx, candidateID, now)
	if errors.Is(err, errStartRace) {
		attempt, err = s.startOrResume(ctx, candidateID, now)
	}
	if errors.Is(err, errStartRace) {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	return attempt, err
}

func (s *Service) startOrResume(ctx context.Context, candidateID string, now time.Time) (*Attempt, error) {
	active, err := s.findActiveAttempt(ctx, s.db, candidateID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if !HasExpired(now, active.EndAt) {
			token := uuid.NewString()
			rotated, err := s.rotateSessionToken(ctx, active.ID, token)
			if err != nil {
				return nil, err
			}
			if rotated {
				s.claimOwnership(ctx, active, token, now)
				return attemptFromRow(active, token, true), nil
			}
		} else if _, err := s.ForceTerminate(ctx, active.ID, ReasonTimeUp, now); err != nil {
			return nil, err
		}
	}

	prior, err := s.findAttemptForDate(ctx, s.db, candidateID, s.cfg.ExamDate)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return nil, ErrAlreadySubmitted
	}

	return s.createAttempt(ctx, candidateID, now)
}

func (s *Service) createAttempt(ctx context.Context, candidateID string, now time.Time) (*Attempt, error) {
	items, err := s.bank.Sample(ctx, s.cfg.Distribution)
	if err != nil {
		if errors.Is(err, ErrInsufficientQuestions) {
			log.Error().Err(err).Str("exam_date", s.cfg.ExamDate).Msg("question bank cannot satisfy distribution")
		}
		return nil, fmt.Errorf("sample questions: %w", err)
	}

	row := &attemptRow{
		ID:            uuid.NewString(),
		CandidateID:   candidateID,
		ExamDate:      s.cfg.ExamDate,
		StartAt:       now,
		EndAt:         now.Add(s.cfg.Duration),
		QuestionCount: len(items),
		SessionToken:  uuid.NewString(),
	}
	if err := s.insertAttempt(ctx, row, items, now); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, errStartRace
		}
		return nil, err
	}

	s.claimOwnership(ctx, row, row.SessionToken, now)
	log.Info().
		Str("attempt_id", row.ID).
		Str("candidate_id", candidateID).
		Str("exam_date", row.ExamDate).
		Int("question_count", row.QuestionCount).
		Time("end_at", row.EndAt).
		Msg("attempt started")

	return attemptFromRow(row, row.SessionToken, false), nil
}

// RetrieveQuestions starts or resumes the attempt and returns its question set
// in the order it was sampled. The set is never re-sampled.
func (s *Service) RetrieveQuestions(ctx context.Context, candidateID string, now time.Time) (*QuestionSet, error) {
	attempt, err := s.StartAttempt(ctx, candidateID, now)
	if err != nil {
		return nil, err
	}

	ids, err := s.loadAttemptQuestionIDs(ctx, s.db, attempt.ID)
	if err != nil {
		return nil, err
	}
	items, err := s.bank.Items(ctx, ids)
	if err != nil {
		if errors.Is(err, question.ErrItemNotFound) {
			log.Error().Err(err).Str("attempt_id", attempt.ID).Msg("attempt question missing from bank")
			return nil, fmt.Errorf("%w: %v", ErrMissingQuestionReference, err)
		}
		return nil, err
	}

	return &QuestionSet{Attempt: *attempt, Items: items}, nil
}

func (s *Service) GetAttemptStatus(ctx context.Context, attemptID, candidateID string, now time.Time) (*AttemptStatus, error) {
	row, err := s.loadOwnedAttempt(ctx, attemptID, candidateID)
	if err != nil {
		return nil, err
	}
	return s.buildStatus(ctx, row, now)
}

// InspectAttempt is GetAttemptStatus without the ownership check, for proctors.
func (s *Service) InspectAttempt(ctx context.Context, attemptID string, now time.Time) (*AttemptStatus, error) {
	row, err := s.loadAttemptRow(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}
	return s.buildStatus(ctx, row, now)
}

// Submit finalizes on the candidate's request. A request that arrives after
// end_at is recorded as a forced termination instead.
func (s *Service) Submit(ctx context.Context, attemptID, candidateID string, now time.Time) (*SubmitResult, error) {
	row, err := s.loadOwnedAttempt(ctx, attemptID, candidateID)
	if err != nil {
		return nil, err
	}
	if row.terminal() {
		return nil, ErrAlreadySubmitted
	}
	if HasExpired(now, row.EndAt) {
		return s.ForceTerminate(ctx, row.ID, ReasonTimeUp, now)
	}

	res, applied, err := s.finalize(ctx, row.ID, now, false, "")
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrAlreadySubmitted
	}
	return res, nil
}

// ForceTerminate finalizes the attempt on the system's behalf. It is a no-op
// returning the stored outcome when the attempt is already terminal.
func (s *Service) ForceTerminate(ctx context.Context, attemptID, reason string, now time.Time) (*SubmitResult, error) {
	res, _, err := s.finalize(ctx, attemptID, now, true, reason)
	return res, err
}

// finalize grades and closes the attempt in one transaction. The bool reports
// whether this call performed the transition. On any error the transaction
// rolls back and the attempt stays open.
func (s *Service) finalize(ctx context.Context, attemptID string, now time.Time, auto bool, reason string) (*SubmitResult, bool, error) {
	row, err := s.loadAttemptRow(ctx, s.db, attemptID)
	if err != nil {
		return nil, false, err
	}
	if row.terminal() {
		return submitResultFromRow(row), false, nil
	}

	// Keys are read before the transaction opens; the question set is fixed.
	ids, err := s.loadAttemptQuestionIDs(ctx, s.db, attemptID)
	if err != nil {
		return nil, false, err
	}
	keys, err := s.bank.AnswerKeys(ctx, ids)
	if err != nil {
		return nil, false, fmt.Errorf("load answer keys: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockNonTerminalAttempt(ctx, tx, attemptID); err != nil {
		if !errors.Is(err, errAttemptClosed) {
			return nil, false, err
		}
		_ = tx.Rollback()
		row, err := s.loadAttemptRow(ctx, s.db, attemptID)
		if err != nil {
			return nil, false, err
		}
		return submitResultFromRow(row), false, nil
	}

	answers, err := s.loadAnswers(ctx, tx, attemptID)
	if err != nil {
		return nil, false, err
	}
	graded, err := Grade(answers, keys, s.cfg.PointsPerQuestion)
	if err != nil {
		log.Error().Err(err).Str("attempt_id", attemptID).Msg("grading failed, attempt left open")
		return nil, false, err
	}

	submittedAt := now
	for _, a := range answers {
		if a.SavedAt.After(submittedAt) {
			submittedAt = a.SavedAt
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE attempts
		SET submitted_at = $2,
			score = $3,
			correct_count = $4,
			auto_submitted = $5,
			terminate_reason = $6
		WHERE id = $1
	`, attemptID, toNanos(submittedAt), graded.Score, graded.Correct, auto, reason); err != nil {
		return nil, false, fmt.Errorf("update attempt final: %w", err)
	}

	if auto {
		if _, err := insertEvent(ctx, tx, attemptID, EventAutoSubmit, reason, false, submittedAt); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit finalize: %w", err)
	}

	s.releaseOwnership(ctx, row)
	log.Info().
		Str("attempt_id", attemptID).
		Str("candidate_id", row.CandidateID).
		Bool("auto_submitted", auto).
		Str("reason", reason).
		Int("score", graded.Score).
		Int("correct", graded.Correct).
		Msg("attempt finalized")

	return &SubmitResult{
		AttemptID:     attemptID,
		Score:         graded.Score,
		SubmittedAt:   submittedAt,
		AutoSubmitted: auto,
		Reason:        reason,
	}, true, nil
}

func (s *Service) buildStatus(ctx context.Context, row *attemptRow, now time.Time) (*AttemptStatus, error) {
	if !row.terminal() && HasExpired(now, row.EndAt) {
		if _, err := s.ForceTerminate(ctx, row.ID, ReasonTimeUp, now); err != nil {
			return nil, err
		}
		reloaded, err := s.loadAttemptRow(ctx, s.db, row.ID)
		if err != nil {
			return nil, err
		}
		row = reloaded
	}

	answers, err := s.loadAnswers(ctx, s.db, row.ID)
	if err != nil {
		return nil, err
	}
	escalations, err := s.countEscalations(ctx, s.db, row.ID)
	if err != nil {
		return nil, err
	}

	st := &AttemptStatus{
		ID:                  row.ID,
		CandidateID:         row.CandidateID,
		ExamDate:            row.ExamDate,
		StartAt:             row.StartAt,
		EndAt:               row.EndAt,
		SubmittedAt:         row.SubmittedAt,
		AutoSubmitted:       row.AutoSubmitted,
		TerminateReason:     row.TerminateReason,
		QuestionCount:       row.QuestionCount,
		Answered:            len(answers),
		EscalationCount:     escalations,
		EscalationThreshold: s.cfg.EscalationThreshold,
		Answers:             answers,
	}
	for _, a := range answers {
		if a.MarkedForReview {
			st.MarkedForReview++
		}
	}
	if row.terminal() {
		if row.Score.Valid {
			score := int(row.Score.Int64)
			st.Score = &score
		}
	} else {
		st.RemainingSecs = int64(Remaining(now, row.EndAt).Seconds())
	}
	return st, nil
}

// loadOwnedAttempt hides attempts of other candidates behind ErrNotFound.
func (s *Service) loadOwnedAttempt(ctx context.Context, attemptID, candidateID string) (*attemptRow, error) {
	row, err := s.loadAttemptRow(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}
	if row.CandidateID != candidateID {
		return nil, ErrNotFound
	}
	return row, nil
}

// expire closes an attempt found past end_at and reports ErrWindowExpired.
func (s *Service) expire(ctx context.Context, attemptID string, now time.Time) error {
	if _, err := s.ForceTerminate(ctx, attemptID, ReasonTimeUp, now); err != nil {
		return err
	}
	return ErrWindowExpired
}

// closedError explains why a guarded write found the attempt closed.
func (s *Service) closedError(ctx context.Context, attemptID string, now time.Time) error {
	row, err := s.loadAttemptRow(ctx, s.db, attemptID)
	if err != nil {
		return err
	}
	switch {
	case row.terminal():
		return ErrAttemptTerminal
	case HasExpired(now, row.EndAt):
		return s.expire(ctx, attemptID, now)
	default:
		return ErrOutsideExamWindow
	}
}

func (s *Service) claimOwnership(ctx context.Context, row *attemptRow, token string, now time.Time) {
	if s.owners == nil {
		return
	}
	key := session.Key(row.CandidateID, row.ExamDate)
	if err := s.owners.Claim(ctx, key, token, Remaining(now, row.EndAt)); err != nil {
		log.Warn().Err(err).Str("attempt_id", row.ID).Msg("claim session ownership failed")
	}
}

// verifyOwnership only fails on a definite conflict. Store outages are
// logged and let through because the record is advisory.
func (s *Service) verifyOwnership(ctx context.Context, row *attemptRow, token string) error {
	if s.owners == nil {
		return nil
	}
	err := s.owners.Verify(ctx, session.Key(row.CandidateID, row.ExamDate), token)
	if errors.Is(err, session.ErrConflict) {
		return ErrSessionConflict
	}
	if err != nil {
		log.Warn().Err(err).Str("attempt_id", row.ID).Msg("verify session ownership failed")
	}
	return nil
}

func (s *Service) releaseOwnership(ctx context.Context, row *attemptRow) {
	if s.owners == nil {
		return
	}
	if err := s.owners.Release(ctx, session.Key(row.CandidateID, row.ExamDate)); err != nil {
		log.Warn().Err(err).Str("attempt_id", row.ID).Msg("release session ownership failed")
	}
}

func attemptFromRow(row *attemptRow, token string, resumed bool) *Attempt {
	return &Attempt{
		ID:           row.ID,
		CandidateID:  row.CandidateID,
		ExamDate:     row.ExamDate,
		StartAt:      row.StartAt,
		EndAt:        row.EndAt,
		SessionToken: token,
		Resumed:      resumed,
	}
}

func submitResultFromRow(row *attemptRow) *SubmitResult {
	res := &SubmitResult{
		AttemptID:     row.ID,
		AutoSubmitted: row.AutoSubmitted,
		Reason:        row.TerminateReason,
	}
	if row.SubmittedAt != nil {
		res.SubmittedAt = *row.SubmittedAt
	}
	if row.Score.Valid {
		res.Score = int(row.Score.Int64)
	}
	return res
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
