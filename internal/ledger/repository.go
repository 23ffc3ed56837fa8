package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskup/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// AppendTx inserts one entry inside the caller's transaction. The table has no
// UPDATE or DELETE path.
func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_ledger (id, order_id, kind, amount_minor, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.OrderID, e.Kind, e.AmountMinor, e.CreatedAt)
	return err
}

func (r *Repository) ListByOrderTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, order_id, kind, amount_minor, created_at
		FROM escrow_ledger WHERE order_id = $1 ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ListByOrder reads outside any transaction. escrowctl orders uses it.
func (r *Repository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, kind, amount_minor, created_at
		FROM escrow_ledger WHERE order_id = $1 ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]models.LedgerEntry, error) {
	defer rows.Close()
	var list []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Kind, &e.AmountMinor, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
