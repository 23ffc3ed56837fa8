package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/middleware"
	"github.com/taskup/backend/internal/models"
)

// AnomalyQueue is satisfied by *services.AnomalyQueue.
type AnomalyQueue interface {
	List(ctx context.Context, includeResolved bool, limit int) ([]*models.Anomaly, error)
	Resolve(ctx context.Context, id uuid.UUID, by, resolution string) error
}

// OperatorHandler serves /v1/operator.
type OperatorHandler struct {
	Anomalies AnomalyQueue
	Logger    *slog.Logger
}

// --- GET /v1/operator/anomalies?include_resolved=true&limit=50 ---

func (h *OperatorHandler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeResolved, _ := strconv.ParseBool(q.Get("include_resolved"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := h.Anomalies.List(r.Context(), includeResolved, limit)
	if err != nil {
		h.Logger.Error("list anomalies", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []*models.Anomaly{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- POST /v1/operator/anomalies/{id}/resolve ---

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *OperatorHandler) ResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid anomaly id")
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Resolution) == "" {
		writeError(w, http.StatusBadRequest, "resolution is required")
		return
	}
	if err := h.Anomalies.Resolve(r.Context(), id, p.Subject.String(), req.Resolution); err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("resolve anomaly", "anomaly_id", id, "error", err)
		}
		writeError(w, status, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
