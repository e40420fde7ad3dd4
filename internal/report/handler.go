package report

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"cbtexam/internal/app/apiresp"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type reportService interface {
	SummaryByExamDate(ctx context.Context, examDate string) (*ExamSummary, error)
	AttemptRows(ctx context.Context, examDate string) ([]AttemptRow, error)
	ExportExcel(ctx context.Context, examDate string) ([]byte, error)
}

type Handler struct {
	svc         reportService
	defaultDate string
}

// NewHandler serves reports for the exam_date query parameter, falling back
// to defaultDate when it is absent.
func NewHandler(svc reportService, defaultDate string) *Handler {
	return &Handler{svc: svc, defaultDate: defaultDate}
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	examDate, ok := h.examDate(w, r)
	if !ok {
		return
	}
	sum, err := h.svc.SummaryByExamDate(r.Context(), examDate)
	if err != nil {
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, sum)
}

func (h *Handler) Attempts(w http.ResponseWriter, r *http.Request) {
	examDate, ok := h.examDate(w, r)
	if !ok {
		return
	}
	items, err := h.svc.AttemptRows(r.Context(), examDate)
	if err != nil {
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) ExportXLSX(w http.ResponseWriter, r *http.Request) {
	examDate, ok := h.examDate(w, r)
	if !ok {
		return
	}
	data, err := h.svc.ExportExcel(r.Context(), examDate)
	if err != nil {
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="attempts-%s.xlsx"`, examDate))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) examDate(w http.ResponseWriter, r *http.Request) (string, bool) {
	examDate := strings.TrimSpace(r.URL.Query().Get("exam_date"))
	if examDate == "" {
		examDate = h.defaultDate
	}
	if examDate == "" || strings.ContainsAny(examDate, `"/\`) {
		apiresp.WriteError(w, r, http.StatusBadRequest, "exam_date is required")
		return "", false
	}
	return examDate, true
}
