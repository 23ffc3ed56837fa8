package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskup/backend/internal/models"
)

type TransferRepo struct {
	pool *pgxpool.Pool
}

func NewTransferRepo(pool *pgxpool.Pool) *TransferRepo {
	return &TransferRepo{pool: pool}
}

// CreateTx inserts the transfer inside the release transaction. fee_rate is
// stored as NUMERIC from its decimal string.
func (r *TransferRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transfer) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transfers (id, order_id, connect_account_id, amount_minor, platform_fee_minor, fee_rate, state, provider_reference, reversal_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)
	`, t.ID, t.OrderID, t.ConnectAccountID, t.AmountMinor, t.PlatformFeeMinor, t.FeeRate, t.State, t.ProviderReference, t.ReversalReference, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *TransferRepo) GetByOrderTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*models.Transfer, error) {
	var t models.Transfer
	err := tx.QueryRow(ctx, `
		SELECT id, order_id, connect_account_id, amount_minor, platform_fee_minor, fee_rate::text, state, provider_reference, reversal_reference, created_at, updated_at
		FROM transfers WHERE order_id = $1
	`, orderID).Scan(&t.ID, &t.OrderID, &t.ConnectAccountID, &t.AmountMinor, &t.PlatformFeeMinor, &t.FeeRate, &t.State, &t.ProviderReference, &t.ReversalReference, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetByOrder reads outside any transaction, for reconciliation.
func (r *TransferRepo) GetByOrder(ctx context.Context, orderID uuid.UUID) (*models.Transfer, error) {
	var t models.Transfer
	err := r.pool.QueryRow(ctx, `
		SELECT id, order_id, connect_account_id, amount_minor, platform_fee_minor, fee_rate::text, state, provider_reference, reversal_reference, created_at, updated_at
		FROM transfers WHERE order_id = $1
	`, orderID).Scan(&t.ID, &t.OrderID, &t.ConnectAccountID, &t.AmountMinor, &t.PlatformFeeMinor, &t.FeeRate, &t.State, &t.ProviderReference, &t.ReversalReference, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// UpdateTx writes the mutable fields. Amounts and the fee rate are frozen.
func (r *TransferRepo) UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Transfer) error {
	_, err := tx.Exec(ctx, `
		UPDATE transfers SET state = $2, provider_reference = $3, reversal_reference = $4, updated_at = $5
		WHERE id = $1
	`, t.ID, t.State, t.ProviderReference, t.ReversalReference, t.UpdatedAt)
	return err
}
