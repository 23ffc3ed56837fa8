package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskup/backend/internal/models"
)

// ErrOverDisbursement is returned when an append would move more money out of
// escrow than the hold put in, or return more than was taken out.
var ErrOverDisbursement = errors.New("escrow over-disbursement")

// ErrDuplicateHold is returned when a second hold entry is appended for an order.
var ErrDuplicateHold = errors.New("escrow hold already recorded")

// ErrInvalidEntry is returned for unknown kinds and non-positive amounts.
var ErrInvalidEntry = errors.New("invalid ledger entry")

// Store persists ledger entries. Implementations must only be called while
// the caller holds the order's row lock.
type Store interface {
	AppendTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListByOrderTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) ([]models.LedgerEntry, error)
}

type Service interface {
	// Append validates the entry against the order's running balance and stores it.
	Append(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, kind string, amountMinor int64) error
	Balance(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (Balance, error)
}

type service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) Service {
	return &service{store: store, now: time.Now}
}

var _ Service = (*service)(nil)

func (s *service) Append(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, kind string, amountMinor int64) error {
	entries, err := s.store.ListByOrderTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	entry := models.LedgerEntry{
		ID:          uuid.New(),
		OrderID:     orderID,
		Kind:        kind,
		AmountMinor: amountMinor,
		CreatedAt:   s.now().UTC(),
	}
	b := Summarize(entries)
	if err := b.Add(entry); err != nil {
		return fmt.Errorf("order %s: %w", orderID, err)
	}
	if err := b.Check(); err != nil {
		return fmt.Errorf("order %s: %s %d: %w", orderID, kind, amountMinor, err)
	}
	return s.store.AppendTx(ctx, tx, &entry)
}

func (s *service) Balance(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (Balance, error) {
	entries, err := s.store.ListByOrderTx(ctx, tx, orderID)
	if err != nil {
		return Balance{}, err
	}
	return Summarize(entries), nil
}
