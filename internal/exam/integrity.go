package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"cbtexam/internal/db"

	"github.com/rs/zerolog/log"
)

const (
	maxEventKindLen   = 64
	maxEventDetailLen = 1024
)

// errThresholdReached means the attempt already holds enough escalations to
// be terminated and accepts no further events.
var errThresholdReached = errors.New("escalation threshold already reached")

type RecordEventInput struct {
	AttemptID    string
	CandidateID  string
	Kind         string
	Detail       string
	SessionToken string
}

type EventResult struct {
	EventID         int64 `json:"event_id"`
	EscalationCount int   `json:"escalation_count"`
	Threshold       int   `json:"threshold"`
	AutoSubmitted   bool  `json:"auto_submitted"`
}

type IntegrityEvent struct {
	ID         int64     `json:"id"`
	AttemptID  string    `json:"attempt_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	Escalating bool      `json:"escalating"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RecordEvent appends a proctoring event to the attempt's log and force
// terminates the attempt once escalating events reach the threshold. Events
// for a terminal attempt, or one already at the threshold, are discarded.
func (s *Service) RecordEvent(ctx context.Context, in RecordEventInput, now time.Time) (*EventResult, error) {
	row, err := s.loadOwnedAttempt(ctx, in.AttemptID, in.CandidateID)
	if err != nil {
		return nil, err
	}
	if row.terminal() {
		return nil, ErrAttemptTerminal
	}
	if HasExpired(now, row.EndAt) {
		if _, err := s.ForceTerminate(ctx, row.ID, ReasonTimeUp, now); err != nil {
			return nil, err
		}
		return nil, ErrAttemptTerminal
	}
	if err := s.verifyOwnership(ctx, row, in.SessionToken); err != nil {
		return nil, err
	}

	kind := normalizeKind(in.Kind)
	if kind == "" || kind == EventAutoSubmit || len(kind) > maxEventKindLen {
		return nil, ErrInvalidEventKind
	}
	detail := truncateDetail(in.Detail, maxEventDetailLen)

	_, escalating := s.escalating[kind]
	eventID, count, err := s.appendEvent(ctx, row.ID, kind, detail, escalating, now)
	if err != nil {
		if errors.Is(err, errThresholdReached) {
			if _, err := s.ForceTerminate(ctx, row.ID, ReasonIntegrity, now); err != nil {
				return nil, err
			}
			return nil, ErrAttemptTerminal
		}
		if errors.Is(err, errAttemptClosed) {
			cerr := s.closedError(ctx, row.ID, now)
			if errors.Is(cerr, ErrWindowExpired) {
				cerr = ErrAttemptTerminal
			}
			return nil, cerr
		}
		return nil, err
	}

	res := &EventResult{
		EventID:         eventID,
		EscalationCount: count,
		Threshold:       s.cfg.EscalationThreshold,
	}
	if count >= s.cfg.EscalationThreshold {
		log.Info().
			Str("attempt_id", row.ID).
			Str("kind", kind).
			Int("escalation_count", count).
			Msg("integrity threshold reached")
		out, err := s.ForceTerminate(ctx, row.ID, ReasonIntegrity, now)
		if err != nil {
			return nil, err
		}
		res.AutoSubmitted = out.AutoSubmitted
	}
	return res, nil
}

// appendEvent stores the event and returns the escalation count including it.
// It stores nothing once the count has reached the threshold, so racing events
// cannot pile up behind the one that triggered termination.
func (s *Service) appendEvent(ctx context.Context, attemptID, kind, detail string, escalating bool, now time.Time) (int64, int, error) {
	var (
		id    int64
		count int
	)
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockOpenAttempt(ctx, tx, attemptID, now); err != nil {
			return err
		}
		prior, err := s.countEscalations(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if prior >= s.cfg.EscalationThreshold {
			return errThresholdReached
		}
		if id, err = insertEvent(ctx, tx, attemptID, kind, detail, escalating, now); err != nil {
			return err
		}
		count = prior
		if escalating {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return id, count, nil
}

// truncateDetail cuts s to at most max bytes on a character boundary and
// drops any invalid UTF-8 so the detail always fits a TEXT column.
func truncateDetail(s string, max int) string {
	if len(s) > max {
		n := max
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return strings.ToValidUTF8(s, "")
}

func (s *Service) ListEvents(ctx context.Context, attemptID string, limit int) ([]IntegrityEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if _, err := s.loadAttemptRow(ctx, s.db, attemptID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt_id, kind, detail, escalating, occurred_at
		FROM attempt_events
		WHERE attempt_id = $1
		ORDER BY id
		LIMIT $2
	`, attemptID, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempt events: %w", err)
	}
	defer rows.Close()

	out := make([]IntegrityEvent, 0)
	for rows.Next() {
		var (
			ev         IntegrityEvent
			occurredAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.AttemptID, &ev.Kind, &ev.Detail, &ev.Escalating, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan attempt event: %w", err)
		}
		ev.OccurredAt = fromNanos(occurredAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt events: %w", err)
	}
	return out, nil
}
