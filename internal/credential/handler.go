package credential

import (
	"context"
	"errors"
	"net/http"

	"cbtexam/internal/app/apiresp"
	"cbtexam/internal/auth"
)

type credentialLookup interface {
	Lookup(ctx context.Context, candidateID string) (*Credential, error)
}

type Handler struct {
	svc credentialLookup
}

func NewHandler(svc credentialLookup) *Handler {
	return &Handler{svc: svc}
}

// Mine returns the caller's credential once it has been released.
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	c, err := h.svc.Lookup(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			apiresp.WriteError(w, r, http.StatusNotFound, "credential not released")
			return
		}
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, c)
}
