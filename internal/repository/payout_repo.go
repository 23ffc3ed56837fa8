package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskup/backend/internal/models"
)

const payoutColumns = `id, provider, connect_account_id, user_id, amount_minor, currency, state, provider_reference, failure_reason, idempotency_key, created_at, updated_at`

type PayoutRepo struct {
	pool *pgxpool.Pool
}

func NewPayoutRepo(pool *pgxpool.Pool) *PayoutRepo {
	return &PayoutRepo{pool: pool}
}

func scanPayout(row pgx.Row) (*models.Payout, error) {
	var p models.Payout
	err := row.Scan(&p.ID, &p.Provider, &p.ConnectAccountID, &p.UserID, &p.AmountMinor, &p.Currency, &p.State, &p.ProviderReference, &p.FailureReason, &p.IdempotencyKey, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *PayoutRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payout) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.Provider, p.ConnectAccountID, p.UserID, p.AmountMinor, p.Currency, p.State, p.ProviderReference, p.FailureReason, p.IdempotencyKey, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *PayoutRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.Payout, error) {
	return scanPayout(r.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE idempotency_key = $1`, key))
}

func (r *PayoutRepo) GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, p models.Provider, ref string) (*models.Payout, error) {
	return scanPayout(tx.QueryRow(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE provider = $1 AND provider_reference = $2 FOR UPDATE
	`, p, ref))
}

func (r *PayoutRepo) UpdateTx(ctx context.Context, tx pgx.Tx, p *models.Payout) error {
	_, err := tx.Exec(ctx, `
		UPDATE payouts SET state = $2, provider_reference = $3, failure_reason = $4, updated_at = $5
		WHERE id = $1
	`, p.ID, p.State, p.ProviderReference, p.FailureReason, p.UpdatedAt)
	return err
}
