package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/middleware"
	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/services"
)

// OrderService is the subset of *services.EscrowMachine the handler uses.
type OrderService interface {
	CreateOrder(ctx context.Context, req services.CreateOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	Complete(ctx context.Context, orderID uuid.UUID) (models.OrderState, error)
	Refund(ctx context.Context, orderID uuid.UUID, reason string) (models.OrderState, error)
}

// TaskerCanceler is satisfied by *automation.Scheduler.
type TaskerCanceler interface {
	CancelByTasker(ctx context.Context, orderID uuid.UUID, reason string) (models.OrderState, error)
}

// ChatGate is satisfied by *services.ChatGate.
type ChatGate interface {
	IsUnlocked(ctx context.Context, taskID uuid.UUID) (bool, error)
}

// OrderHandler serves /v1/orders and the chat gate.
type OrderHandler struct {
	Orders   OrderService
	Canceler TaskerCanceler
	Chat     ChatGate
	Logger   *slog.Logger
}

// --- POST /v1/orders ---

type createOrderRequest struct {
	TaskID      string `json:"task_id"`
	PayerID     string `json:"payer_id,omitempty"`
	Provider    string `json:"provider"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// CreateOrder handles POST /v1/orders. The Idempotency-Key header is
// required; users pay as themselves, service tokens name the payer.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
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
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	taskID, err := uuid.Parse(req.TaskID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task_id")
		return
	}
	payerID := p.Subject
	if p.Privileged() {
		if payerID, err = uuid.Parse(req.PayerID); err != nil {
			writeError(w, http.StatusBadRequest, "payer_id is required for service tokens")
			return
		}
	}

	o, err := h.Orders.CreateOrder(r.Context(), services.CreateOrderRequest{
		TaskID:         taskID,
		PayerID:        payerID,
		Provider:       models.Provider(req.Provider),
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		IdempotencyKey: key,
	})
	if err != nil {
		h.fail(w, "create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// --- GET /v1/orders/{id} ---

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.visibleOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// --- POST /v1/orders/{id}/complete ---

type stateResponse struct {
	OrderID string            `json:"order_id"`
	State   models.OrderState `json:"state"`
}

// Complete is the payer confirming the work before the grace period ends.
func (h *OrderHandler) Complete(w http.ResponseWriter, r *http.Request) {
	o, ok := h.visibleOrder(w, r)
	if !ok {
		return
	}
	st, err := h.Orders.Complete(r.Context(), o.ID)
	h.respondState(w, o, st, err, "complete order")
}

// --- POST /v1/orders/{id}/cancel ---

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Cancel records the tasker withdrawing. Only the marketplace backend and
// operators may call it.
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	o, ok := h.visibleOrder(w, r)
	if !ok {
		return
	}
	req, ok := decodeReason(w, r)
	if !ok {
		return
	}
	st, err := h.Canceler.CancelByTasker(r.Context(), o.ID, req.Reason)
	h.respondState(w, o, st, err, "cancel order")
}

// --- POST /v1/orders/{id}/refund ---

func (h *OrderHandler) Refund(w http.ResponseWriter, r *http.Request) {
	o, ok := h.visibleOrder(w, r)
	if !ok {
		return
	}
	req, ok := decodeReason(w, r)
	if !ok {
		return
	}
	st, err := h.Orders.Refund(r.Context(), o.ID, req.Reason)
	h.respondState(w, o, st, err, "refund order")
}

// --- GET /v1/tasks/{id}/chat ---

type chatResponse struct {
	TaskID   string `json:"task_id"`
	Unlocked bool   `json:"unlocked"`
}

func (h *OrderHandler) ChatStatus(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	unlocked, err := h.Chat.IsUnlocked(r.Context(), taskID)
	if err != nil {
		h.fail(w, "chat gate", err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{TaskID: taskID.String(), Unlocked: unlocked})
}

// visibleOrder loads the order in the path. Users only see orders they pay
// for; anything else is reported as not found.
func (h *OrderHandler) visibleOrder(w http.ResponseWriter, r *http.Request) (*models.Order, bool) {
	p, ok := middleware.PrincipalFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return nil, false
	}
	o, err := h.Orders.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, "get order", err)
		return nil, false
	}
	if !p.Privileged() && o.PayerID != p.Subject {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return o, true
}

func (h *OrderHandler) respondState(w http.ResponseWriter, o *models.Order, st models.OrderState, err error, op string) {
	if errors.Is(err, services.ErrAlreadyApplied) {
		writeJSON(w, http.StatusOK, stateResponse{OrderID: o.ID.String(), State: st})
		return
	}
	if err != nil {
		h.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{OrderID: o.ID.String(), State: st})
}

func (h *OrderHandler) fail(w http.ResponseWriter, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(op+" failed", "error", err)
	}
	writeError(w, status, msg)
}

func decodeReason(w http.ResponseWriter, r *http.Request) (reasonRequest, bool) {
	var req reasonRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	return req, true
}
