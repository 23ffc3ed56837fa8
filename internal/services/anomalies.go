package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/models"
)

// AnomalyQueue is the operator's view of persisted anomalies.
type AnomalyQueue struct {
	Store AnomalyStore
}

func NewAnomalyQueue(store AnomalyStore) *AnomalyQueue {
	return &AnomalyQueue{Store: store}
}

func (q *AnomalyQueue) List(ctx context.Context, includeResolved bool, limit int) ([]*models.Anomaly, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return q.Store.List(ctx, includeResolved, limit)
}

// Resolve closes an anomaly. Resolving does not change any order; the
// operator fixes state through the normal commands first.
func (q *AnomalyQueue) Resolve(ctx context.Context, id uuid.UUID, by, resolution string) error {
	return q.Store.Resolve(ctx, id, by, resolution, time.Now().UTC())
}
