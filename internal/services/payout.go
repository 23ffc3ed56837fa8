package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/idempotency"
	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

type CreatePayoutRequest struct {
	UserID         uuid.UUID
	Provider       models.Provider
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
}

// PayoutService moves funds from a tasker's connected account to their bank.
type PayoutService struct {
	DB        TxBeginner
	Payouts   PayoutStore
	Accounts  AccountStore
	Anomalies AnomalyStore
	Outbox    Outbox
	Providers *provider.Registry
	Keys      *idempotency.Ledger
	Logger    *slog.Logger
	now       func() time.Time
}

func NewPayoutService(db TxBeginner, payouts PayoutStore, accounts AccountStore, anomalies AnomalyStore,
	outbox Outbox, providers *provider.Registry, keys *idempotency.Ledger, logger *slog.Logger) *PayoutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutService{
		DB: db, Payouts: payouts, Accounts: accounts, Anomalies: anomalies,
		Outbox: outbox, Providers: providers, Keys: keys, Logger: logger, now: time.Now,
	}
}

func (s *PayoutService) CreatePayout(ctx context.Context, req CreatePayoutRequest) (*models.Payout, error) {
	if req.AmountMinor <= 0 || req.IdempotencyKey == "" || len(req.Currency) != 3 {
		return nil, fmt.Errorf("%w: amount, currency and idempotency key required", ErrInvalidOrder)
	}
	existing, err := s.Payouts.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		if existing.UserID != req.UserID || existing.AmountMinor != req.AmountMinor || existing.Provider != req.Provider {
			return nil, fmt.Errorf("%w: key %q", ErrIdempotencyConflict, req.IdempotencyKey)
		}
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	acct, err := s.Accounts.GetForUser(ctx, req.UserID, req.Provider)
	if errors.Is(err, models.ErrNotFound) || (err == nil && !acct.PayoutsEnabled) {
		return nil, provider.ErrAccountNotChargeable
	}
	if err != nil {
		return nil, err
	}
	adapter, err := s.Providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &models.Payout{
		ID:               uuid.NewSHA1(orderNamespace, []byte("payout:"+req.IdempotencyKey)),
		Provider:         req.Provider,
		ConnectAccountID: acct.AccountID,
		UserID:           req.UserID,
		AmountMinor:      req.AmountMinor,
		Currency:         req.Currency,
		State:            models.PayoutPending,
		IdempotencyKey:   req.IdempotencyKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ref, err := s.Keys.Do(ctx, "payout:"+p.ID.String(), "payout", func(ctx context.Context) (string, error) {
		return adapter.CreatePayout(ctx, provider.PayoutRequest{
			ConnectAccountID: acct.AccountID,
			AmountMinor:      req.AmountMinor,
			Currency:         req.Currency,
			IdempotencyKey:   "payout-" + p.ID.String(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}
	p.ProviderReference = &ref
	if err := s.Payouts.CreateTx(ctx, tx, p); err != nil {
		if isUniqueViolation(err) {
			tx.Rollback(ctx)
			return s.Payouts.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Logger.Info("payout created", "payout_id", p.ID, "provider", p.Provider, "amount_minor", p.AmountMinor)
	return p, nil
}

// ApplyPayoutEvent records a payout.paid or payout.failed webhook. A failed
// payout notifies the tasker and is surfaced to operators.
func (s *PayoutService) ApplyPayoutEvent(ctx context.Context, ev *provider.Event) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p, err := s.Payouts.GetByReferenceForUpdate(ctx, tx, ev.Provider, ev.PayoutReference)
	if err != nil {
		return err
	}
	next := models.PayoutPaid
	if ev.Type == provider.EventPayoutFailed {
		next = models.PayoutFailed
	}
	if p.State == next {
		return nil
	}
	p.State = next
	p.UpdatedAt = s.now().UTC()
	if ev.FailureReason != "" {
		reason := ev.FailureReason
		p.FailureReason = &reason
	}
	if err := s.Payouts.UpdateTx(ctx, tx, p); err != nil {
		return err
	}
	if next == models.PayoutFailed {
		payload, err := json.Marshal(map[string]any{
			"payout_id":    p.ID,
			"amount_minor": p.AmountMinor,
			"currency":     p.Currency,
			"reason":       ev.FailureReason,
		})
		if err != nil {
			return err
		}
		if err := s.Outbox.EnqueueTx(ctx, tx, models.Notification{Kind: models.NotifyPayoutFailed, Recipient: p.UserID, Payload: payload}); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if next == models.PayoutFailed {
		prov := p.Provider
		recordAnomaly(ctx, s.Anomalies, s.Logger, &models.Anomaly{
			ID:        uuid.New(),
			Kind:      models.AnomalyPayoutFailed,
			Provider:  &prov,
			EventID:   &ev.ID,
			Detail:    fmt.Sprintf("payout %s failed: %s", p.ID, ev.FailureReason),
			CreatedAt: s.now().UTC(),
		})
	}
	return nil
}
