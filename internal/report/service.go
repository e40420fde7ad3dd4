package report

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

type Service struct {
	db                *sql.DB
	pointsPerQuestion int
}

// ExamSummary aggregates finalized attempts of one exam date. Scores of
// attempts still in progress are not included in the averages.
type ExamSummary struct {
	ExamDate          string  `json:"exam_date"`
	Participants      int     `json:"participants"`
	Submitted         int     `json:"submitted"`
	AutoSubmitted     int     `json:"auto_submitted"`
	InProgress        int     `json:"in_progress"`
	AverageScore      float64 `json:"average_score"`
	HighestScore      int     `json:"highest_score"`
	LowestScore       int     `json:"lowest_score"`
	AveragePercentage float64 `json:"average_percentage"`
}

type AttemptRow struct {
	AttemptID       string     `json:"attempt_id"`
	CandidateID     string     `json:"candidate_id"`
	StartAt         time.Time  `json:"start_at"`
	EndAt           time.Time  `json:"end_at"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	Score           *int       `json:"score,omitempty"`
	CorrectCount    *int       `json:"correct_count,omitempty"`
	QuestionCount   int        `json:"question_count"`
	Percentage      *float64   `json:"percentage,omitempty"`
	AutoSubmitted   bool       `json:"auto_submitted"`
	TerminateReason string     `json:"terminate_reason,omitempty"`
	EscalationCount int        `json:"escalation_count"`
	EventCount      int        `json:"event_count"`
}

func NewService(db *sql.DB, pointsPerQuestion int) *Service {
	if pointsPerQuestion <= 0 {
		pointsPerQuestion = 3
	}
	return &Service{db: db, pointsPerQuestion: pointsPerQuestion}
}

// Percentage is score over the attempt's maximum, in percent with two decimals.
func Percentage(score, questionCount, pointValue int) float64 {
	full := questionCount * pointValue
	if full <= 0 {
		return 0
	}
	return math.Round(float64(score)*10000/float64(full)) / 100
}

func (s *Service) AttemptRows(ctx context.Context, examDate string) ([]AttemptRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			a.id,
			a.candidate_id,
			a.start_at,
			a.end_at,
			a.submitted_at,
			a.score,
			a.correct_count,
			a.question_count,
			a.auto_submitted,
			a.terminate_reason,
			COALESCE(e.escalations, 0),
			COALESCE(e.events, 0)
		FROM attempts a
		LEFT JOIN (
			SELECT
				attempt_id,
				SUM(CASE WHEN escalating THEN 1 ELSE 0 END) AS escalations,
				COUNT(*) AS events
			FROM attempt_events
			WHERE kind <> 'auto_submit'
			GROUP BY attempt_id
		) e ON e.attempt_id = a.id
		WHERE a.exam_date = $1
		ORDER BY a.start_at, a.id
	`, examDate)
	if err != nil {
		return nil, fmt.Errorf("query report attempts: %w", err)
	}
	defer rows.Close()

	out := make([]AttemptRow, 0)
	for rows.Next() {
		var (
			it           AttemptRow
			startAt      int64
			endAt        int64
			submittedAt  sql.NullInt64
			score        sql.NullInt64
			correctCount sql.NullInt64
		)
		if err := rows.Scan(
			&it.AttemptID,
			&it.CandidateID,
			&startAt,
			&endAt,
			&submittedAt,
			&score,
			&correctCount,
			&it.QuestionCount,
			&it.AutoSubmitted,
			&it.TerminateReason,
			&it.EscalationCount,
			&it.EventCount,
		); err != nil {
			return nil, fmt.Errorf("scan report attempt: %w", err)
		}
		it.StartAt = time.Unix(0, startAt).UTC()
		it.EndAt = time.Unix(0, endAt).UTC()
		if submittedAt.Valid {
			t := time.Unix(0, submittedAt.Int64).UTC()
			it.SubmittedAt = &t
		}
		if score.Valid {
			v := int(score.Int64)
			it.Score = &v
			pct := Percentage(v, it.QuestionCount, s.pointsPerQuestion)
			it.Percentage = &pct
		}
		if correctCount.Valid {
			v := int(correctCount.Int64)
			it.CorrectCount = &v
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report attempts: %w", err)
	}
	return out, nil
}

func (s *Service) SummaryByExamDate(ctx context.Context, examDate string) (*ExamSummary, error) {
	items, err := s.AttemptRows(ctx, examDate)
	if err != nil {
		return nil, err
	}

	sum := &ExamSummary{ExamDate: examDate, Participants: len(items)}
	var totalScore, totalPct float64
	for _, it := range items {
		if it.SubmittedAt == nil || it.Score == nil {
			sum.InProgress++
			continue
		}
		score := *it.Score
		if sum.Submitted == 0 || score > sum.HighestScore {
			sum.HighestScore = score
		}
		if sum.Submitted == 0 || score < sum.LowestScore {
			sum.LowestScore = score
		}
		sum.Submitted++
		if it.AutoSubmitted {
			sum.AutoSubmitted++
		}
		totalScore += float64(score)
		if it.Percentage != nil {
			totalPct += *it.Percentage
		}
	}
	if sum.Submitted > 0 {
		sum.AverageScore = math.Round(totalScore*100/float64(sum.Submitted)) / 100
		sum.AveragePercentage = math.Round(totalPct*100/float64(sum.Submitted)) / 100
	}
	return sum, nil
}

// ExportExcel writes one row per attempt of the exam date.
func (s *Service) ExportExcel(ctx context.Context, examDate string) ([]byte, error) {
	items, err := s.AttemptRows(ctx, examDate)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	headers := []string{
		"attempt_id", "candidate_id", "start_at", "submitted_at", "score", "correct",
		"questions", "percentage", "auto_submitted", "reason", "escalations", "events",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, it := range items {
		row := i + 2
		submittedAt := ""
		if it.SubmittedAt != nil {
			submittedAt = it.SubmittedAt.Format("2006-01-02 15:04:05")
		}
		values := []any{
			it.AttemptID,
			it.CandidateID,
			it.StartAt.Format("2006-01-02 15:04:05"),
			submittedAt,
			intOrBlank(it.Score),
			intOrBlank(it.CorrectCount),
			it.QuestionCount,
			floatOrBlank(it.Percentage),
			it.AutoSubmitted,
			strings.TrimSpace(it.TerminateReason),
			it.EscalationCount,
			it.EventCount,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "B", 38)
	_ = f.SetColWidth(sheet, "C", "L", 18)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

func intOrBlank(v *int) any {
	if v == nil {
		return ""
	}
	return *v
}

func floatOrBlank(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
