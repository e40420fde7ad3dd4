package question

import (
	"context"
	"net/http"
	"strings"

	"cbtexam/internal/app/apiresp"

	"github.com/rs/zerolog/log"
)

type Handler struct {
	bank  poolReader
	draws []Draw
}

type poolReader interface {
	Readiness(ctx context.Context, draws []Draw) ([]PoolStatus, error)
}

type readinessResponse struct {
	Ready bool         `json:"ready"`
	Pools []PoolStatus `json:"pools"`
}

// NewHandler serves pool readiness for the configured distribution.
func NewHandler(bank poolReader, draws []Draw) *Handler {
	return &Handler{bank: bank, draws: draws}
}

// Readiness answers for the configured distribution, or for the one passed
// in the distribution query parameter.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	draws := h.draws
	if raw := strings.TrimSpace(r.URL.Query().Get("distribution")); raw != "" {
		parsed, err := ParseDistribution(raw)
		if err != nil {
			apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		draws = parsed
	}

	pools, err := h.bank.Readiness(r.Context(), draws)
	if err != nil {
		log.Error().Err(err).Msg("question pool readiness")
		apiresp.WriteError(w, r, http.StatusInternalServerError, "question bank unavailable")
		return
	}

	ready := true
	for _, p := range pools {
		if !p.Sufficient {
			ready = false
		}
	}
	apiresp.WriteOK(w, r, http.StatusOK, readinessResponse{Ready: ready, Pools: pools})
}
