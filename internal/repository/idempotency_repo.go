package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskup/backend/internal/models"
)

// IdempotencyRepo backs the idempotency ledger with webhook_events and
// idempotency_keys.
type IdempotencyRepo struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepo(pool *pgxpool.Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// InsertEvent is a single compare-and-insert: a conflicting row is taken over
// only while it is still processing and older than staleBefore.
func (r *IdempotencyRepo) InsertEvent(ctx context.Context, rec *models.WebhookEventRecord, staleBefore time.Time) (bool, error) {
	var won bool
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, received_at, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, '')
		ON CONFLICT (provider, event_id) DO UPDATE
			SET received_at = EXCLUDED.received_at, event_type = EXCLUDED.event_type
			WHERE webhook_events.outcome = 'processing' AND webhook_events.received_at < $6
		RETURNING true
	`, rec.Provider, rec.EventID, rec.EventType, rec.ReceivedAt, rec.Outcome, staleBefore).Scan(&won)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return won, nil
}

func (r *IdempotencyRepo) SetEventOutcome(ctx context.Context, p models.Provider, eventID, outcome, detail string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_events SET outcome = $3, detail = $4 WHERE provider = $1 AND event_id = $2
	`, p, eventID, outcome, detail)
	return err
}

func (r *IdempotencyRepo) DeleteEvent(ctx context.Context, p models.Provider, eventID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM webhook_events WHERE provider = $1 AND event_id = $2`, p, eventID)
	return err
}

// Reserve inserts the key if absent, then reads the stored row. The read is
// a separate statement so it sees a row a concurrent reserver committed.
func (r *IdempotencyRepo) Reserve(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, error) {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, scope, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, rec.Key, rec.Scope, rec.CreatedAt, rec.ExpiresAt); err != nil {
		return nil, err
	}
	var out models.IdempotencyRecord
	err := r.pool.QueryRow(ctx, `
		SELECT key, scope, result, completed_at, created_at, expires_at FROM idempotency_keys WHERE key = $1
	`, rec.Key).Scan(&out.Key, &out.Scope, &out.Result, &out.CompletedAt, &out.CreatedAt, &out.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

func (r *IdempotencyRepo) Complete(ctx context.Context, key, result string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE idempotency_keys SET result = $2, completed_at = $3 WHERE key = $1
	`, key, result, at)
	return err
}

func (r *IdempotencyRepo) PurgeKeys(ctx context.Context, expiredBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, expiredBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeEvents never deletes a record still processing.
func (r *IdempotencyRepo) PurgeEvents(ctx context.Context, receivedBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM webhook_events WHERE received_at < $1 AND outcome <> 'processing'
	`, receivedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
