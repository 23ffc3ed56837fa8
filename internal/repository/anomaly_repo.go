package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskup/backend/internal/models"
)

type AnomalyRepo struct {
	pool *pgxpool.Pool
}

func NewAnomalyRepo(pool *pgxpool.Pool) *AnomalyRepo {
	return &AnomalyRepo{pool: pool}
}

// Create writes on the pool, never inside a transition transaction. An
// anomaly without an event id is dropped while one of the same kind is still
// open for the order.
func (r *AnomalyRepo) Create(ctx context.Context, a *models.Anomaly) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO anomalies (id, kind, order_id, provider, event_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_id, kind) WHERE resolved_at IS NULL AND event_id IS NULL DO NOTHING
	`, a.ID, a.Kind, a.OrderID, a.Provider, a.EventID, a.Detail, a.CreatedAt)
	return err
}

func (r *AnomalyRepo) List(ctx context.Context, includeResolved bool, limit int) ([]*models.Anomaly, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, order_id, provider, event_id, detail, created_at, resolved_at, resolved_by, resolution
		FROM anomalies WHERE $1 OR resolved_at IS NULL
		ORDER BY created_at DESC LIMIT $2
	`, includeResolved, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		if err := rows.Scan(&a.ID, &a.Kind, &a.OrderID, &a.Provider, &a.EventID, &a.Detail, &a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy, &a.Resolution); err != nil {
			return nil, err
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}

// Resolve closes an open anomaly. Resolving twice reports ErrNotFound.
func (r *AnomalyRepo) Resolve(ctx context.Context, id uuid.UUID, by, resolution string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE anomalies SET resolved_at = $2, resolved_by = $3, resolution = $4
		WHERE id = $1 AND resolved_at IS NULL
	`, id, at, by, resolution)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
