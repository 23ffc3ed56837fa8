package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/middleware"
	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/services"
)

// PayoutCreator is satisfied by *services.PayoutService.
type PayoutCreator interface {
	CreatePayout(ctx context.Context, req services.CreatePayoutRequest) (*models.Payout, error)
}

type PayoutHandler struct {
	Payouts PayoutCreator
	Logger  *slog.Logger
}

type createPayoutRequest struct {
	UserID      string `json:"user_id,omitempty"`
	Provider    string `json:"provider"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// CreatePayout handles POST /v1/payouts with the same Idempotency-Key rules
// as order creation.
func (h *PayoutHandler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}
	var req createPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	userID := p.Subject
	if p.Privileged() {
		var err error
		if userID, err = uuid.Parse(req.UserID); err != nil {
			writeError(w, http.StatusBadRequest, "user_id is required for service tokens")
			return
		}
	}
	po, err := h.Payouts.CreatePayout(r.Context(), services.CreatePayoutRequest{
		UserID:         userID,
		Provider:       models.Provider(req.Provider),
		AmountMinor:    req.AmountMinor,
		Currency:       strings.ToUpper(req.Currency),
		IdempotencyKey: key,
	})
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("create payout failed", "user_id", userID, "error", err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, po)
}
