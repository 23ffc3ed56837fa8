package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskup/backend/internal/models"
)

type ConnectAccountRepo struct {
	pool *pgxpool.Pool
}

func NewConnectAccountRepo(pool *pgxpool.Pool) *ConnectAccountRepo {
	return &ConnectAccountRepo{pool: pool}
}

// Create registers an onboarded account. Capabilities start as reported at
// onboarding and afterwards change only through UpdateCapabilities.
func (r *ConnectAccountRepo) Create(ctx context.Context, a *models.ConnectAccount) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO connect_accounts (account_id, provider, user_id, charges_enabled, payouts_enabled, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, a.AccountID, a.Provider, a.UserID, a.ChargesEnabled, a.PayoutsEnabled, a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *ConnectAccountRepo) GetForUser(ctx context.Context, userID uuid.UUID, p models.Provider) (*models.ConnectAccount, error) {
	var a models.ConnectAccount
	err := r.pool.QueryRow(ctx, `
		SELECT account_id, provider, user_id, charges_enabled, payouts_enabled, status, created_at, updated_at
		FROM connect_accounts WHERE user_id = $1 AND provider = $2
	`, userID, p).Scan(&a.AccountID, &a.Provider, &a.UserID, &a.ChargesEnabled, &a.PayoutsEnabled, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// UpdateCapabilities applies a capability webhook. An empty status keeps the
// stored one.
func (r *ConnectAccountRepo) UpdateCapabilities(ctx context.Context, p models.Provider, accountID string, chargesEnabled, payoutsEnabled bool, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE connect_accounts
		SET charges_enabled = $3, payouts_enabled = $4, status = COALESCE(NULLIF($5, ''), status), updated_at = now()
		WHERE provider = $1 AND account_id = $2
	`, p, accountID, chargesEnabled, payoutsEnabled, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
