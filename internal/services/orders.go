package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/idempotency"
	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

// orderNamespace derives order ids from idempotency keys, so every retry of
// one logical create addresses the same order and provider metadata.
var orderNamespace = uuid.MustParse("6f1c2f9e-2a57-4d1e-8f55-4c3c1b7a9d10")

type CreateOrderRequest struct {
	TaskID         uuid.UUID
	PayerID        uuid.UUID
	Provider       models.Provider
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
}

func (r CreateOrderRequest) validate() error {
	switch {
	case r.AmountMinor <= 0:
		return fmt.Errorf("%w: amount_minor must be positive", ErrInvalidOrder)
	case len(r.Currency) != 3:
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidOrder)
	case r.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key required", ErrInvalidOrder)
	case r.TaskID == uuid.Nil || r.PayerID == uuid.Nil:
		return fmt.Errorf("%w: task and payer required", ErrInvalidOrder)
	}
	return nil
}

// CreateOrder creates a PENDING order and its provider-side hold. Retrying
// with the same idempotency key returns the first order; retrying with the
// same key and a different request fails with ErrIdempotencyConflict.
func (m *EscrowMachine) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req.Currency = strings.ToUpper(req.Currency)

	existing, err := m.Orders.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		return replayOrder(existing, req)
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	adapter, err := m.Providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	o := &models.Order{
		ID:             uuid.NewSHA1(orderNamespace, []byte(req.IdempotencyKey)),
		Provider:       req.Provider,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		State:          models.OrderPending,
		TaskID:         req.TaskID,
		PayerID:        req.PayerID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	unlock := m.locks.Lock(o.ID)
	defer unlock()

	tx, err := m.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := m.Orders.CreateTx(ctx, tx, o); err != nil {
		if isUniqueViolation(err) {
			tx.Rollback(ctx)
			existing, gerr := m.Orders.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if gerr != nil {
				return nil, gerr
			}
			return replayOrder(existing, req)
		}
		return nil, err
	}

	hold, err := idempotency.Call(ctx, m.Keys, "hold:"+o.ID.String(), "hold", func(ctx context.Context) (*provider.Hold, error) {
		return adapter.CreateHold(ctx, provider.HoldRequest{
			OrderID:        o.ID.String(),
			TaskID:         o.TaskID.String(),
			PayerRef:       o.PayerID.String(),
			AmountMinor:    o.AmountMinor,
			Currency:       o.Currency,
			IdempotencyKey: "taskup-" + o.ID.String(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create hold for order %s: %w", o.ID, err)
	}
	o.ProviderReference = &hold.Reference
	if hold.ClientSecret != "" {
		o.ClientSecret = &hold.ClientSecret
	}
	if hold.RedirectURL != "" {
		o.RedirectURL = &hold.RedirectURL
	}
	if err := m.Orders.UpdateTx(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	m.Logger.Info("order created", "order_id", o.ID, "task_id", o.TaskID, "provider", o.Provider, "amount_minor", o.AmountMinor)
	return o, nil
}

func replayOrder(existing *models.Order, req CreateOrderRequest) (*models.Order, error) {
	if existing.TaskID != req.TaskID || existing.PayerID != req.PayerID ||
		existing.Provider != req.Provider || existing.AmountMinor != req.AmountMinor ||
		!strings.EqualFold(existing.Currency, req.Currency) {
		return nil, fmt.Errorf("%w: key %q", ErrIdempotencyConflict, req.IdempotencyKey)
	}
	return existing, nil
}

// GetOrder is a plain read for the API surface.
func (m *EscrowMachine) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return m.Orders.GetByID(ctx, id)
}

// Complete is the payer confirming completion before the grace period ends.
func (m *EscrowMachine) Complete(ctx context.Context, orderID uuid.UUID) (models.OrderState, error) {
	return m.Apply(ctx, orderID, Command{Kind: CmdRelease, Source: "payer"})
}

// RefundAfterRelease claws back a released transfer and refunds the payer.
func (m *EscrowMachine) RefundAfterRelease(ctx context.Context, orderID uuid.UUID, reason string) (models.OrderState, error) {
	return m.Apply(ctx, orderID, Command{Kind: CmdReverse, Reason: reason, Source: "operator"})
}

// Refund is the operator's refund. A HELD order is refunded directly; a
// RELEASED or REVERSING order goes through the transfer reversal first.
func (m *EscrowMachine) Refund(ctx context.Context, orderID uuid.UUID, reason string) (models.OrderState, error) {
	o, err := m.Orders.GetByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.State == models.OrderReleased || o.State == models.OrderReversing {
		return m.RefundAfterRelease(ctx, orderID, reason)
	}
	return m.Apply(ctx, orderID, Command{Kind: CmdRefund, Reason: reason, Source: "operator"})
}
