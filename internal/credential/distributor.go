package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNotFound     = errors.New("credential not found")
	ErrInvalidToken = errors.New("invalid credential token")
)

// Credential is the signed result slip handed to the notification service.
type Credential struct {
	AttemptID   string    `json:"attempt_id"`
	CandidateID string    `json:"candidate_id"`
	ExamDate    string    `json:"exam_date"`
	Token       string    `json:"token"`
	IssuedAt    time.Time `json:"issued_at"`
}

type Claims struct {
	AttemptID string `json:"attempt_id"`
	ExamDate  string `json:"exam_date"`
	Score     int    `json:"score"`
	jwt.RegisteredClaims
}

// SQLDistributor issues one credential per finalized attempt of an exam date
// into the credentials table.
type SQLDistributor struct {
	db         *sql.DB
	examDate   string
	signingKey []byte
	issuer     string
}

func NewSQLDistributor(db *sql.DB, examDate, signingKey string) *SQLDistributor {
	return &SQLDistributor{
		db:         db,
		examDate:   examDate,
		signingKey: []byte(signingKey),
		issuer:     "cbtexam",
	}
}

type pendingCredential struct {
	attemptID   string
	candidateID string
	score       int
}

// Distribute signs credentials for finalized attempts that do not have one
// yet. Attempts still in progress are skipped. It returns how many it issued.
func (d *SQLDistributor) Distribute(ctx context.Context, at time.Time) (int, error) {
	pending, err := d.listPending(ctx)
	if err != nil {
		return 0, err
	}

	issued := 0
	for _, p := range pending {
		token, err := d.sign(p, at)
		if err != nil {
			return issued, err
		}
		res, err := d.db.ExecContext(ctx, `
			INSERT INTO credentials (attempt_id, candidate_id, exam_date, token, issued_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (attempt_id) DO NOTHING
		`, p.attemptID, p.candidateID, d.examDate, token, at.UnixNano())
		if err != nil {
			return issued, fmt.Errorf("insert credential: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			issued++
		}
	}
	return issued, nil
}

func (d *SQLDistributor) listPending(ctx context.Context) ([]pendingCredential, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT a.id, a.candidate_id, COALESCE(a.score, 0)
		FROM attempts a
		LEFT JOIN credentials c ON c.attempt_id = a.id
		WHERE a.exam_date = $1
			AND a.submitted_at IS NOT NULL
			AND c.attempt_id IS NULL
		ORDER BY a.id
	`, d.examDate)
	if err != nil {
		return nil, fmt.Errorf("query pending credentials: %w", err)
	}
	defer rows.Close()

	out := make([]pendingCredential, 0)
	for rows.Next() {
		var p pendingCredential
		if err := rows.Scan(&p.attemptID, &p.candidateID, &p.score); err != nil {
			return nil, fmt.Errorf("scan pending credential: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending credentials: %w", err)
	}
	return out, nil
}

func (d *SQLDistributor) sign(p pendingCredential, at time.Time) (string, error) {
	claims := &Claims{
		AttemptID: p.attemptID,
		ExamDate:  d.examDate,
		Score:     p.score,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.candidateID,
			Issuer:   d.issuer,
			IssuedAt: jwt.NewNumericDate(at),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

// Lookup returns the candidate's credential for the distributor's exam date.
func (d *SQLDistributor) Lookup(ctx context.Context, candidateID string) (*Credential, error) {
	var (
		c        Credential
		issuedAt int64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT attempt_id, candidate_id, exam_date, token, issued_at
		FROM credentials
		WHERE candidate_id = $1 AND exam_date = $2
	`, candidateID, d.examDate).Scan(&c.AttemptID, &c.CandidateID, &c.ExamDate, &c.Token, &issuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	c.IssuedAt = time.Unix(0, issuedAt).UTC()
	return &c, nil
}

// Verify checks a credential token signed by this distributor.
func (d *SQLDistributor) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return d.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(d.issuer))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
