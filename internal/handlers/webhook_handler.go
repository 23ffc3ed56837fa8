package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
	"github.com/taskup/backend/internal/services"
)

// maxWebhookBody caps inbound provider payloads.
const maxWebhookBody = 1 << 20

// WebhookProcessor is satisfied by *services.WebhookDispatcher.
type WebhookProcessor interface {
	Handle(ctx context.Context, p models.Provider, req provider.WebhookRequest) (services.Outcome, error)
}

// WebhookHandler serves POST /webhooks/{provider}. The body is passed on
// untouched because signatures are computed over the raw bytes.
type WebhookHandler struct {
	Dispatcher WebhookProcessor
	Logger     *slog.Logger
}

type webhookResponse struct {
	Outcome string `json:"outcome"`
}

// Receive acknowledges every processed delivery with 200, including
// duplicates and anomalies, so the provider stops retrying. Only transient
// failures answer 500.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	p := models.Provider(chi.URLParam(r, "provider"))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	outcome, err := h.Dispatcher.Handle(r.Context(), p, provider.WebhookRequest{
		Body:   body,
		Header: r.Header,
		Host:   r.Host,
		Path:   r.URL.Path,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Outcome: string(outcome)})
	case errors.Is(err, provider.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, "unknown provider")
	case errors.Is(err, provider.ErrSignatureInvalid):
		writeError(w, http.StatusBadRequest, "invalid signature")
	case errors.Is(err, provider.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, "malformed event")
	default:
		h.Logger.Error("webhook processing failed", "provider", p, "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed, retry")
	}
}
