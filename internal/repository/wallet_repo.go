package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskup/backend/internal/models"
)

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

// CreditTx inserts the entry inside the given transaction unless the order
// already has one of the same kind.
func (r *WalletRepo) CreditTx(ctx context.Context, tx pgx.Tx, e *models.WalletEntry) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO wallet_entries (id, user_id, order_id, kind, amount_minor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id, kind) DO NOTHING
	`, e.ID, e.UserID, e.OrderID, e.Kind, e.AmountMinor, e.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *WalletRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.WalletEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, order_id, kind, amount_minor, created_at
		FROM wallet_entries WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.WalletEntry
	for rows.Next() {
		var e models.WalletEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.OrderID, &e.Kind, &e.AmountMinor, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
