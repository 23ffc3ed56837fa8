package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskup/backend/internal/middleware"
	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/services"
)

// Onboarder is satisfied by *services.OnboardingService.
type Onboarder interface {
	Onboard(ctx context.Context, req services.OnboardRequest) (*services.Onboarding, error)
	Status(ctx context.Context, userID uuid.UUID, p models.Provider) (*models.ConnectAccount, error)
}

type AccountHandler struct {
	Accounts Onboarder
	Logger   *slog.Logger
}

type onboardRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Provider string `json:"provider"`
	Email    string `json:"email"`
	Country  string `json:"country"`
}

// Onboard handles POST /v1/connect-accounts. It creates the caller's
// connected account on first use and always returns a fresh onboarding link.
func (h *AccountHandler) Onboard(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	userID, ok := h.subject(w, r, req.UserID)
	if !ok {
		return
	}
	out, err := h.Accounts.Onboard(r.Context(), services.OnboardRequest{
		UserID:   userID,
		Provider: models.Provider(req.Provider),
		Email:    req.Email,
		Country:  req.Country,
	})
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("onboarding failed", "user_id", userID, "provider", req.Provider, "error", err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Status handles GET /v1/connect-accounts/{provider}.
func (h *AccountHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subject(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}
	acct, err := h.Accounts.Status(r.Context(), userID, models.Provider(chi.URLParam(r, "provider")))
	if err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// subject is the caller for user tokens and the named user for privileged
// ones.
func (h *AccountHandler) subject(w http.ResponseWriter, r *http.Request, named string) (uuid.UUID, bool) {
	p, ok := middleware.PrincipalFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	if !p.Privileged() {
		return p.Subject, true
	}
	id, err := uuid.Parse(named)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id is required for service tokens")
		return uuid.Nil, false
	}
	return id, true
}
