package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OfferRepo struct {
	pool *pgxpool.Pool
}

func NewOfferRepo(pool *pgxpool.Pool) *OfferRepo {
	return &OfferRepo{pool: pool}
}

// LockAcceptedTx locks the task's accepted offer. The schema trigger then
// rejects accepting any other offer for the task.
func (r *OfferRepo) LockAcceptedTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE offers SET locked = true, locked_at = $2
		WHERE task_id = $1 AND status = 'accepted' AND NOT locked
	`, taskID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
