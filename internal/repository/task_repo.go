package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskup/backend/internal/models"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var t models.Task
	err := r.pool.QueryRow(ctx, `
		SELECT id, client_id, assigned_to, status, payment_locked_at, expires_at, auto_completed, completed_at, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id).Scan(&t.ID, &t.ClientID, &t.AssignedTo, &t.Status, &t.PaymentLockedAt, &t.ExpiresAt, &t.AutoCompleted, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetByIDForUpdate locks the task row. Call within the order's transaction,
// after the order row lock.
func (r *TaskRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	var t models.Task
	err := tx.QueryRow(ctx, `
		SELECT id, client_id, assigned_to, status, payment_locked_at, expires_at, auto_completed, completed_at, created_at, updated_at
		FROM tasks WHERE id = $1 FOR UPDATE
	`, id).Scan(&t.ID, &t.ClientID, &t.AssignedTo, &t.Status, &t.PaymentLockedAt, &t.ExpiresAt, &t.AutoCompleted, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *TaskRepo) UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks SET assigned_to = $2, status = $3, payment_locked_at = $4, auto_completed = $5, completed_at = $6, updated_at = $7
		WHERE id = $1
	`, t.ID, t.AssignedTo, t.Status, t.PaymentLockedAt, t.AutoCompleted, t.CompletedAt, t.UpdatedAt)
	return err
}

// ListAutoCompletable pages through assigned tasks whose payment was locked
// before lockedBefore, in (payment_locked_at, id) order starting after the
// cursor. Disputed and completed tasks are excluded by status.
func (r *TaskRepo) ListAutoCompletable(ctx context.Context, lockedBefore time.Time, after models.Cursor, limit int) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, client_id, assigned_to, status, payment_locked_at, expires_at, auto_completed, completed_at, created_at, updated_at
		FROM tasks WHERE status = 'assigned' AND payment_locked_at < $1 AND (payment_locked_at, id) > ($2, $3)
		ORDER BY payment_locked_at, id LIMIT $4
	`, lockedBefore, after.At, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.ClientID, &t.AssignedTo, &t.Status, &t.PaymentLockedAt, &t.ExpiresAt, &t.AutoCompleted, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
