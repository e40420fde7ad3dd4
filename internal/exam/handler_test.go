package exam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cbtexam/internal/auth"

	"github.com/go-chi/chi/v5"
)

type mockExamService struct {
	startAttemptFn      func(ctx context.Context, candidateID string, now time.Time) (*Attempt, error)
	retrieveQuestionsFn func(ctx context.Context, candidateID string, now time.Time) (*QuestionSet, error)
	getAttemptStatusFn  func(ctx context.Context, attemptID, candidateID string, now time.Time) (*AttemptStatus, error)
	inspectAttemptFn    func(ctx context.Context, attemptID string, now time.Time) (*AttemptStatus, error)
	saveAnswerFn        func(ctx context.Context, in SaveAnswerInput, now time.Time) (*AnswerAck, error)
	recordEventFn       func(ctx context.Context, in RecordEventInput, now time.Time) (*EventResult, error)
	submitFn            func(ctx context.Context, attemptID, candidateID string, now time.Time) (*SubmitResult, error)
	listEventsFn        func(ctx context.Context, attemptID string, limit int) ([]IntegrityEvent, error)
	sweepExpiredFn      func(ctx context.Context, now time.Time, limit int) (int, error)
}

func (m *mockExamService) StartAttempt(ctx context.Context, candidateID string, now time.Time) (*Attempt, error) {
	if m.startAttemptFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.startAttemptFn(ctx, candidateID, now)
}

func (m *mockExamService) RetrieveQuestions(ctx context.Context, candidateID string, now time.Time) (*QuestionSet, error) {
	if m.retrieveQuestionsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.retrieveQuestionsFn(ctx, candidateID, now)
}

func (m *mockExamService) GetAttemptStatus(ctx context.Context, attemptID, candidateID string, now time.Time) (*AttemptStatus, error) {
	if m.getAttemptStatusFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.getAttemptStatusFn(ctx, attemptID, candidateID, now)
}

func (m *mockExamService) InspectAttempt(ctx context.Context, attemptID string, now time.Time) (*AttemptStatus, error) {
	if m.inspectAttemptFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.inspectAttemptFn(ctx, attemptID, now)
}

func (m *mockExamService) SaveAnswer(ctx context.Context, in SaveAnswerInput, now time.Time) (*AnswerAck, error) {
	if m.saveAnswerFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.saveAnswerFn(ctx, in, now)
}

func (m *mockExamService) RecordEvent(ctx context.Context, in RecordEventInput, now time.Time) (*EventResult, error) {
	if m.recordEventFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.recordEventFn(ctx, in, now)
}

func (m *mockExamService) Submit(ctx context.Context, attemptID, candidateID string, now time.Time) (*SubmitResult, error) {
	if m.submitFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.submitFn(ctx, attemptID, candidateID, now)
}

func (m *mockExamService) ListEvents(ctx context.Context, attemptID string, limit int) ([]IntegrityEvent, error) {
	if m.listEventsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listEventsFn(ctx, attemptID, limit)
}

func (m *mockExamService) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if m.sweepExpiredFn == nil {
		return 0, errors.New("not implemented")
	}
	return m.sweepExpiredFn(ctx, now, limit)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func asCandidate(r *http.Request, id string) *http.Request {
	return r.WithContext(auth.ContextWithUser(r.Context(), &auth.User{ID: id, Role: auth.RoleCandidate}))
}

func TestStartUsesCandidateFromIdentity(t *testing.T) {
	fixed := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	var gotCandidate string
	var gotNow time.Time
	h := NewHandler(&mockExamService{
		startAttemptFn: func(ctx context.Context, candidateID string, now time.Time) (*Attempt, error) {
			gotCandidate = candidateID
			gotNow = now
			return &Attempt{ID: "a-1", CandidateID: candidateID, StartAt: now, EndAt: now.Add(DefaultDuration), SessionToken: "tok"}, nil
		},
	})
	h.now = func() time.Time { return fixed }

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/start", nil)
	req = asCandidate(req, "cand-15")
	w := httptest.NewRecorder()

	h.Start(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotCandidate != "cand-15" {
		t.Fatalf("expected candidate cand-15, got %q", gotCandidate)
	}
	if !gotNow.Equal(fixed) {
		t.Fatalf("expected handler clock to be passed through, got %v", gotNow)
	}
	data, _ := decodeBody(t, w)["data"].(map[string]interface{})
	if data["attempt_id"] != "a-1" || data["session_token"] != "tok" {
		t.Fatalf("unexpected start payload: %v", data)
	}
}

func TestStartRejectsAnonymousAndProctor(t *testing.T) {
	h := NewHandler(&mockExamService{})

	w := httptest.NewRecorder()
	h.Start(w, httptest.NewRequest(http.MethodPost, "/api/v1/attempts/start", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/start", nil)
	req = req.WithContext(auth.ContextWithUser(req.Context(), &auth.User{ID: "p-1", Role: auth.RoleProktor}))
	w = httptest.NewRecorder()
	h.Start(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestServiceErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{err: ErrOutsideExamWindow, want: http.StatusUnprocessableEntity, code: "outside_exam_window"},
		{err: ErrNotFound, want: http.StatusNotFound, code: "not_found"},
		{err: ErrAttemptTerminal, want: http.StatusConflict, code: "attempt_terminal"},
		{err: ErrAlreadySubmitted, want: http.StatusConflict, code: "already_submitted"},
		{err: fmt.Errorf("save answer: %w", ErrWindowExpired), want: http.StatusConflict, code: "window_expired"},
		{err: ErrSessionConflict, want: http.StatusConflict, code: "session_conflict"},
		{err: ErrQuestionNotInAttempt, want: http.StatusBadRequest, code: "question_not_in_attempt"},
		{err: ErrInvalidOption, want: http.StatusBadRequest, code: "invalid_option"},
		{err: ErrInvalidEventKind, want: http.StatusBadRequest, code: "invalid_event_kind"},
		{err: fmt.Errorf("sample questions: %w", ErrInsufficientQuestions), want: http.StatusInternalServerError, code: "question_bank_unavailable"},
		{err: ErrMissingQuestionReference, want: http.StatusInternalServerError, code: "question_bank_unavailable"},
		{err: errors.New("boom"), want: http.StatusInternalServerError, code: "internal_error"},
	}

	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			h := NewHandler(&mockExamService{
				retrieveQuestionsFn: func(ctx context.Context, candidateID string, now time.Time) (*QuestionSet, error) {
					return nil, tc.err
				},
			})
			req := asCandidate(httptest.NewRequest(http.MethodPost, "/api/v1/attempts/questions", nil), "cand-1")
			w := httptest.NewRecorder()

			h.Questions(w, req)

			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			payload, ok := decodeBody(t, w)["error"].(map[string]interface{})
			if !ok {
				t.Fatalf("expected error payload")
			}
			if payload["code"] != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, payload["code"])
			}
		})
	}
}

func TestGetAttemptUsesInspectForProctor(t *testing.T) {
	calledOwned := false
	calledInspect := false
	h := NewHandler(&mockExamService{
		getAttemptStatusFn: func(ctx context.Context, attemptID, candidateID string, now time.Time) (*AttemptStatus, error) {
			calledOwned = true
			return &AttemptStatus{ID: attemptID}, nil
		},
		inspectAttemptFn: func(ctx context.Context, attemptID string, now time.Time) (*AttemptStatus, error) {
			calledInspect = true
			return &AttemptStatus{ID: attemptID}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/attempts/a-11", nil)
	req = withChiParam(req, "id", "a-11")
	req = req.WithContext(auth.ContextWithUser(req.Context(), &auth.User{ID: "adm", Role: auth.RoleAdmin}))
	w := httptest.NewRecorder()

	h.GetAttempt(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if calledOwned || !calledInspect {
		t.Fatalf("expected inspect path for admin, owned=%v inspect=%v", calledOwned, calledInspect)
	}
}

func TestGetAttemptForeignCandidateIsNotFound(t *testing.T) {
	h := NewHandler(&mockExamService{
		getAttemptStatusFn: func(ctx context.Context, attemptID, candidateID string, now time.Time) (*AttemptStatus, error) {
			if candidateID != "cand-1" {
				t.Fatalf("unexpected candidate %q", candidateID)
			}
			return nil, ErrNotFound
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/attempts/a-10", nil)
	req = withChiParam(req, "id", "a-10")
	req = asCandidate(req, "cand-1")
	w := httptest.NewRecorder()

	h.GetAttempt(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSaveAnswerPassesSessionTokenAndParams(t *testing.T) {
	var got SaveAnswerInput
	h := NewHandler(&mockExamService{
		saveAnswerFn: func(ctx context.Context, in SaveAnswerInput, now time.Time) (*AnswerAck, error) {
			got = in
			return &AnswerAck{AttemptID: in.AttemptID, QuestionID: in.QuestionID, SavedAt: now}, nil
		},
	})

	payload := []byte(`{"selected_option_index":2,"marked_for_review":true}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/attempts/a-12/answers/q-7", bytes.NewReader(payload))
	req.Header.Set("X-Session-Token", "sess-1")
	req = withChiParam(req, "id", "a-12")
	req = withChiParam(req, "questionID", "q-7")
	req = asCandidate(req, "cand-3")
	w := httptest.NewRecorder()

	h.SaveAnswer(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got.AttemptID != "a-12" || got.QuestionID != "q-7" || got.CandidateID != "cand-3" {
		t.Fatalf("unexpected input %+v", got)
	}
	if got.SelectedOptionIndex != 2 || !got.MarkedForReview || got.SessionToken != "sess-1" {
		t.Fatalf("unexpected answer fields %+v", got)
	}
	data, _ := decodeBody(t, w)["data"].(map[string]interface{})
	if data["status"] != "saved" {
		t.Fatalf("expected status saved, got %v", data["status"])
	}
}

func TestSaveAnswerRequiresSelectedOption(t *testing.T) {
	saveCalled := false
	h := NewHandler(&mockExamService{
		saveAnswerFn: func(ctx context.Context, in SaveAnswerInput, now time.Time) (*AnswerAck, error) {
			saveCalled = true
			return &AnswerAck{}, nil
		},
	})

	req := httptest.NewRequest(http.MethodPut, "/api/v1/attempts/a-12/answers/q-7", bytes.NewReader([]byte(`{"marked_for_review":true}`)))
	req = withChiParam(req, "id", "a-12")
	req = withChiParam(req, "questionID", "q-7")
	req = asCandidate(req, "cand-3")
	w := httptest.NewRecorder()

	h.SaveAnswer(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if saveCalled {
		t.Fatalf("save should not be called without an option")
	}
}

func TestRecordEventReportsAutoSubmit(t *testing.T) {
	h := NewHandler(&mockExamService{
		recordEventFn: func(ctx context.Context, in RecordEventInput, now time.Time) (*EventResult, error) {
			if in.Kind != "tab_switch" || in.SessionToken != "sess-2" {
				t.Fatalf("unexpected event input %+v", in)
			}
			return &EventResult{EventID: 3, EscalationCount: 3, Threshold: 3, AutoSubmitted: true}, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/a-77/events", bytes.NewReader([]byte(`{"kind":"tab_switch"}`)))
	req.Header.Set("X-Session-Token", "sess-2")
	req = withChiParam(req, "id", "a-77")
	req = asCandidate(req, "cand-1")
	w := httptest.NewRecorder()

	h.RecordEvent(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	data, _ := decodeBody(t, w)["data"].(map[string]interface{})
	if data["auto_submitted"] != true {
		t.Fatalf("expected auto_submitted true, got %v", data["auto_submitted"])
	}
}

func TestSubmitTwiceSecondIsConflict(t *testing.T) {
	calls := 0
	h := NewHandler(&mockExamService{
		submitFn: func(ctx context.Context, attemptID, candidateID string, now time.Time) (*SubmitResult, error) {
			calls++
			if calls > 1 {
				return nil, ErrAlreadySubmitted
			}
			return &SubmitResult{AttemptID: attemptID, Score: 18, SubmittedAt: now}, nil
		},
	})

	callSubmit := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/a-55/submit", nil)
		req = withChiParam(req, "id", "a-55")
		req = asCandidate(req, "cand-2")
		w := httptest.NewRecorder()
		h.Submit(w, req)
		return w
	}

	if w := callSubmit(); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := callSubmit(); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second submit, got %d", w.Code)
	}
}

func TestListEventsOK(t *testing.T) {
	h := NewHandler(&mockExamService{
		listEventsFn: func(ctx context.Context, attemptID string, limit int) ([]IntegrityEvent, error) {
			if attemptID != "a-55" || limit != 100 {
				t.Fatalf("unexpected args %q %d", attemptID, limit)
			}
			return []IntegrityEvent{{ID: 1, AttemptID: "a-55", Kind: "tab_switch", Escalating: true}}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/proctor/attempts/a-55/events?limit=100", nil)
	req = withChiParam(req, "id", "a-55")
	w := httptest.NewRecorder()

	h.ListEvents(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSweepReturnsClosedCount(t *testing.T) {
	h := NewHandler(&mockExamService{
		sweepExpiredFn: func(ctx context.Context, now time.Time, limit int) (int, error) {
			if limit != 50 {
				t.Fatalf("expected limit 50, got %d", limit)
			}
			return 4, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", bytes.NewReader([]byte(`{"limit":50}`)))
	w := httptest.NewRecorder()

	h.Sweep(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data, _ := decodeBody(t, w)["data"].(map[string]interface{})
	if data["closed"] != float64(4) {
		t.Fatalf("expected closed=4, got %v", data["closed"])
	}
}
