package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskup/backend/internal/models"
)

// TxBeginner starts the transaction that carries a transition's row locks.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OrderStore is the order repository interface used by the escrow machine,
// the dispatcher and the scheduler.
type OrderStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, o *models.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetByProviderReference(ctx context.Context, p models.Provider, ref string) (*models.Order, error)
	GetByTransferReference(ctx context.Context, ref string) (*models.Order, error)
	CurrentForTask(ctx context.Context, taskID uuid.UUID) (*models.Order, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, o *models.Order) error
	ListByState(ctx context.Context, state models.OrderState, updatedBefore time.Time, after models.Cursor, limit int) ([]*models.Order, error)
	ListHeldWithUnlockedOffer(ctx context.Context, after models.Cursor, limit int) ([]*models.Order, error)
}

type TransferStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transfer) error
	GetByOrderTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*models.Transfer, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Transfer) error
}

// AccountStore reads connected accounts. Capabilities change only through
// UpdateCapabilities, which only the webhook dispatcher calls.
type AccountStore interface {
	GetForUser(ctx context.Context, userID uuid.UUID, p models.Provider) (*models.ConnectAccount, error)
	UpdateCapabilities(ctx context.Context, p models.Provider, accountID string, chargesEnabled, payoutsEnabled bool, status string) error
}

type TaskStore interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	ListAutoCompletable(ctx context.Context, lockedBefore time.Time, after models.Cursor, limit int) ([]*models.Task, error)
}

type OfferStore interface {
	// LockAcceptedTx locks the task's accepted offer and reports whether an
	// unlocked accepted offer existed.
	LockAcceptedTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, at time.Time) (bool, error)
}

type WalletStore interface {
	// CreditTx inserts the entry unless one of the same kind exists for the
	// order, and reports whether it inserted.
	CreditTx(ctx context.Context, tx pgx.Tx, e *models.WalletEntry) (bool, error)
}

// AnomalyStore writes outside any transition transaction so an anomaly
// survives the rollback of the transition that raised it.
type AnomalyStore interface {
	Create(ctx context.Context, a *models.Anomaly) error
	List(ctx context.Context, includeResolved bool, limit int) ([]*models.Anomaly, error)
	Resolve(ctx context.Context, id uuid.UUID, by, resolution string, at time.Time) error
}

type PayoutStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payout) error
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Payout, error)
	GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, p models.Provider, ref string) (*models.Payout, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, p *models.Payout) error
}

// Outbox enqueues a notification in the same transaction as the transition
// that defines it, so it is sent exactly when the transition commits.
type Outbox interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, n models.Notification) error
}
