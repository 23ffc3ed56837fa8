package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskup/backend/internal/models"
)

const orderColumns = `id, provider, provider_reference, client_secret, redirect_url, amount_minor, currency, state, task_id, payer_id, idempotency_key, created_at, updated_at`

type OrderRepo struct {
	pool *pgxpool.Pool
}

func NewOrderRepo(pool *pgxpool.Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.Provider, &o.ProviderReference, &o.ClientSecret, &o.RedirectURL, &o.AmountMinor, &o.Currency, &o.State, &o.TaskID, &o.PayerID, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows, err error) ([]*models.Order, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// CreateTx inserts the order. A duplicate idempotency key surfaces as a
// unique violation.
func (r *OrderRepo) CreateTx(ctx context.Context, tx pgx.Tx, o *models.Order) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, o.ID, o.Provider, o.ProviderReference, o.ClientSecret, o.RedirectURL, o.AmountMinor, o.Currency, o.State, o.TaskID, o.PayerID, o.IdempotencyKey, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r *OrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

// GetByIDForUpdate locks the order row for the rest of tx. Every state
// change goes through this lock.
func (r *OrderRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Order, error) {
	return scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (r *OrderRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key))
}

func (r *OrderRepo) GetByProviderReference(ctx context.Context, p models.Provider, ref string) (*models.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE provider = $1 AND provider_reference = $2
	`, p, ref))
}

func (r *OrderRepo) GetByTransferReference(ctx context.Context, ref string) (*models.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `
		SELECT o.id, o.provider, o.provider_reference, o.client_secret, o.redirect_url, o.amount_minor, o.currency, o.state, o.task_id, o.payer_id, o.idempotency_key, o.created_at, o.updated_at
		FROM orders o JOIN transfers t ON t.order_id = o.id
		WHERE t.provider_reference = $1
	`, ref))
}

// CurrentForTask returns the task's live order, or its latest dead one when
// every attempt failed or was canceled.
func (r *OrderRepo) CurrentForTask(ctx context.Context, taskID uuid.UUID) (*models.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE task_id = $1
		ORDER BY (state IN ('FAILED', 'CANCELED')), created_at DESC
		LIMIT 1
	`, taskID))
}

func (r *OrderRepo) UpdateTx(ctx context.Context, tx pgx.Tx, o *models.Order) error {
	tag, err := tx.Exec(ctx, `
		UPDATE orders SET provider_reference = $2, client_secret = $3, redirect_url = $4, state = $5, updated_at = $6
		WHERE id = $1
	`, o.ID, o.ProviderReference, o.ClientSecret, o.RedirectURL, o.State, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListByState pages through orders in state that were last touched before
// updatedBefore, in (updated_at, id) order starting after the cursor.
func (r *OrderRepo) ListByState(ctx context.Context, state models.OrderState, updatedBefore time.Time, after models.Cursor, limit int) ([]*models.Order, error) {
	return scanOrders(r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE state = $1 AND updated_at < $2 AND (updated_at, id) > ($3, $4)
		ORDER BY updated_at, id LIMIT $5
	`, state, updatedBefore, after.At, after.ID, limit))
}

func (r *OrderRepo) ListHeldWithUnlockedOffer(ctx context.Context, after models.Cursor, limit int) ([]*models.Order, error) {
	return scanOrders(r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders o WHERE o.state = 'HELD' AND EXISTS (
			SELECT 1 FROM offers f WHERE f.task_id = o.task_id AND f.status = 'accepted' AND NOT f.locked
		) AND (o.updated_at, o.id) > ($1, $2)
		ORDER BY o.updated_at, o.id LIMIT $3
	`, after.At, after.ID, limit))
}

// ListByTask is the operator history for one task.
func (r *OrderRepo) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Order, error) {
	return scanOrders(r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE task_id = $1 ORDER BY created_at DESC
	`, taskID))
}
