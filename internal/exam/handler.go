package exam

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cbtexam/internal/app/apiresp"
	"cbtexam/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const sessionTokenHeader = "X-Session-Token"

type Handler struct {
	svc examService
	now func() time.Time
}

type examService interface {
	StartAttempt(ctx context.Context, candidateID string, now time.Time) (*Attempt, error)
	RetrieveQuestions(ctx context.Context, candidateID string, now time.Time) (*QuestionSet, error)
	GetAttemptStatus(ctx context.Context, attemptID, candidateID string, now time.Time) (*AttemptStatus, error)
	InspectAttempt(ctx context.Context, attemptID string, now time.Time) (*AttemptStatus, error)
	SaveAnswer(ctx context.Context, in SaveAnswerInput, now time.Time) (*AnswerAck, error)
	RecordEvent(ctx context.Context, in RecordEventInput, now time.Time) (*EventResult, error)
	Submit(ctx context.Context, attemptID, candidateID string, now time.Time) (*SubmitResult, error)
	ListEvents(ctx context.Context, attemptID string, limit int) ([]IntegrityEvent, error)
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type saveAnswerRequest struct {
	SelectedOptionIndex *int `json:"selected_option_index"`
	MarkedForReview     bool `json:"marked_for_review"`
}

type recordEventRequest struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type sweepRequest struct {
	Limit int `json:"limit"`
}

func NewHandler(svc examService) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

func (h *Handler) Questions(w http.ResponseWriter, r *http.Request) {
	user, ok := currentCandidate(w, r)
	if !ok {
		return
	}

	set, err := h.svc.RetrieveQuestions(r.Context(), user.ID, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: set})
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	user, ok := currentCandidate(w, r)
	if !ok {
		return
	}

	attempt, err := h.svc.StartAttempt(r.Context(), user.ID, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: attempt})
}

func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := attemptIDParam(w, r)
	if !ok {
		return
	}
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}

	var (
		status *AttemptStatus
		err    error
	)
	if isPrivileged(user) {
		status, err = h.svc.InspectAttempt(r.Context(), attemptID, h.now())
	} else {
		status, err = h.svc.GetAttemptStatus(r.Context(), attemptID, user.ID, h.now())
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: status})
}

func (h *Handler) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := attemptIDParam(w, r)
	if !ok {
		return
	}
	questionID := strings.TrimSpace(chi.URLParam(r, "questionID"))
	if questionID == "" {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid question id"})
		return
	}

	var req saveAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	if req.SelectedOptionIndex == nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "selected_option_index is required"})
		return
	}

	user, ok := currentCandidate(w, r)
	if !ok {
		return
	}

	ack, err := h.svc.SaveAnswer(r.Context(), SaveAnswerInput{
		AttemptID:           attemptID,
		CandidateID:         user.ID,
		QuestionID:          questionID,
		SelectedOptionIndex: *req.SelectedOptionIndex,
		MarkedForReview:     req.MarkedForReview,
		SessionToken:        r.Header.Get(sessionTokenHeader),
	}, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: map[string]interface{}{
		"status":      "saved",
		"question_id": ack.QuestionID,
		"saved_at":    ack.SavedAt,
	}})
}

func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := attemptIDParam(w, r)
	if !ok {
		return
	}

	var req recordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}

	user, ok := currentCandidate(w, r)
	if !ok {
		return
	}

	res, err := h.svc.RecordEvent(r.Context(), RecordEventInput{
		AttemptID:    attemptID,
		CandidateID:  user.ID,
		Kind:         req.Kind,
		Detail:       req.Detail,
		SessionToken: r.Header.Get(sessionTokenHeader),
	}, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: res})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := attemptIDParam(w, r)
	if !ok {
		return
	}
	user, ok := currentCandidate(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Submit(r.Context(), attemptID, user.ID, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: res})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := attemptIDParam(w, r)
	if !ok {
		return
	}
	limit := 200
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	items, err := h.svc.ListEvents(r.Context(), attemptID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: items})
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
			return
		}
	}

	closed, err := h.svc.SweepExpired(r.Context(), h.now(), req.Limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: map[string]int{"closed": closed}})
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var serviceErrors = []errorMapping{
	{ErrOutsideExamWindow, http.StatusUnprocessableEntity, "outside_exam_window"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrAttemptTerminal, http.StatusConflict, "attempt_terminal"},
	{ErrAlreadySubmitted, http.StatusConflict, "already_submitted"},
	{ErrWindowExpired, http.StatusConflict, "window_expired"},
	{ErrSessionConflict, http.StatusConflict, "session_conflict"},
	{ErrQuestionNotInAttempt, http.StatusBadRequest, "question_not_in_attempt"},
	{ErrInvalidOption, http.StatusBadRequest, "invalid_option"},
	{ErrInvalidEventKind, http.StatusBadRequest, "invalid_event_kind"},
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range serviceErrors {
		if errors.Is(err, m.err) {
			apiresp.WriteErrorCode(w, r, m.status, m.code, m.err.Error())
			return
		}
	}
	if errors.Is(err, ErrInsufficientQuestions) || errors.Is(err, ErrMissingQuestionReference) {
		apiresp.WriteErrorCode(w, r, http.StatusInternalServerError, "question_bank_unavailable", "question bank unavailable")
		return
	}
	log.Error().Err(err).Str("path", r.URL.Path).Msg("exam request failed")
	writeJSON(w, r, http.StatusInternalServerError, response{OK: false, Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload response) {
	if payload.OK {
		apiresp.WriteOK(w, r, code, payload.Data)
		return
	}
	apiresp.WriteError(w, r, code, payload.Error)
}

func attemptIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	attemptID := strings.TrimSpace(chi.URLParam(r, "id"))
	if attemptID == "" {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid attempt id"})
		return "", false
	}
	return attemptID, true
}

// currentCandidate rejects anonymous callers. Proctors act on attempts only
// through the inspection routes.
func currentCandidate(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return nil, false
	}
	if isPrivileged(user) {
		writeJSON(w, r, http.StatusForbidden, response{OK: false, Error: "forbidden"})
		return nil, false
	}
	return user, true
}

func isPrivileged(user *auth.User) bool {
	return user.Role == auth.RoleAdmin || user.Role == auth.RoleProktor
}
