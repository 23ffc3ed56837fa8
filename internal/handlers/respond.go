package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
	"github.com/taskup/backend/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP statuses. Unknown errors are 500
// and their text is not echoed to the caller.
func statusFor(err error) (int, string) {
	var te *services.TransitionError
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.As(err, &te):
		return http.StatusConflict, te.Error()
	case errors.Is(err, services.ErrIdempotencyConflict),
		errors.Is(err, services.ErrNoAssignee),
		errors.Is(err, provider.ErrAccountNotChargeable),
		errors.Is(err, provider.ErrInsufficientConnectedBalance),
		errors.Is(err, provider.ErrHoldNotCancelable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, services.ErrInvalidOrder),
		errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusBadRequest, err.Error()
	case provider.Retryable(err):
		return http.StatusServiceUnavailable, "payment provider unavailable, retry later"
	}
	return http.StatusInternalServerError, "internal error"
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}
