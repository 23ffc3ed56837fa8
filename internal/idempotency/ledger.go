// Package idempotency guards both directions of provider traffic: inbound
// webhook events are applied at most once per (provider, event id), and
// outbound mutating calls run at most once per idempotency key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskup/backend/internal/models"
)

// ErrScopeMismatch is returned when a key is reused for a different operation.
var ErrScopeMismatch = errors.New("idempotency key reused for a different operation")

// Store is the durable backing of the ledger.
type Store interface {
	// InsertEvent atomically inserts a processing record, or reclaims an
	// existing one still marked processing and received before staleBefore.
	// It reports whether the caller won the record.
	InsertEvent(ctx context.Context, rec *models.WebhookEventRecord, staleBefore time.Time) (bool, error)
	SetEventOutcome(ctx context.Context, provider models.Provider, eventID, outcome, detail string) error
	DeleteEvent(ctx context.Context, provider models.Provider, eventID string) error

	// Reserve inserts the key if absent and returns the stored record.
	Reserve(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, error)
	Complete(ctx context.Context, key, result string, at time.Time) error

	PurgeKeys(ctx context.Context, expiredBefore time.Time) (int64, error)
	PurgeEvents(ctx context.Context, receivedBefore time.Time) (int64, error)
}

type Options struct {
	// Retention must not be shorter than any provider's webhook retry window.
	Retention time.Duration
	// StaleAfter is how long a processing record blocks redelivery before a
	// crashed handler's claim may be taken over.
	StaleAfter time.Duration
}

type Ledger struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, opts Options, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retention == 0 {
		opts.Retention = 72 * time.Hour
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	return &Ledger{store: store, opts: opts, logger: logger, now: time.Now}
}

// RecordIfNew claims (provider, eventID). Only the caller that gets true may
// apply the event.
func (l *Ledger) RecordIfNew(ctx context.Context, provider models.Provider, eventID, eventType string) (bool, error) {
	now := l.now().UTC()
	rec := &models.WebhookEventRecord{
		Provider:   provider,
		EventID:    eventID,
		EventType:  eventType,
		ReceivedAt: now,
		Outcome:    models.OutcomeProcessing,
	}
	isNew, err := l.store.InsertEvent(ctx, rec, now.Add(-l.opts.StaleAfter))
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return isNew, nil
}

func (l *Ledger) MarkOutcome(ctx context.Context, provider models.Provider, eventID, outcome, detail string) error {
	return l.store.SetEventOutcome(ctx, provider, eventID, outcome, detail)
}

// Forget drops the claim so the provider's next delivery is applied again.
// Only used when applying the event failed without any effect.
func (l *Ledger) Forget(ctx context.Context, provider models.Provider, eventID string) error {
	return l.store.DeleteEvent(ctx, provider, eventID)
}

// Do runs fn at most once to completion for key. A completed key returns the
// cached result without calling fn. A reserved but uncompleted key means an
// earlier attempt died mid-call; fn runs again with the same key so the
// provider collapses both attempts into one effect.
func (l *Ledger) Do(ctx context.Context, key, scope string, fn func(ctx context.Context) (string, error)) (string, error) {
	now := l.now().UTC()
	rec, err := l.store.Reserve(ctx, &models.IdempotencyRecord{
		Key:       key,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(l.opts.Retention),
	})
	if err != nil {
		return "", fmt.Errorf("reserve idempotency key: %w", err)
	}
	if rec.Scope != scope {
		return "", fmt.Errorf("%w: key %q is %s, not %s", ErrScopeMismatch, key, rec.Scope, scope)
	}
	if rec.Completed() {
		l.logger.Debug("idempotent replay", "key", key, "scope", scope)
		return rec.Result, nil
	}
	result, err := fn(ctx)
	if err != nil {
		return "", err
	}
	if err := l.store.Complete(ctx, key, result, l.now().UTC()); err != nil {
		// The effect happened; the next attempt replays it at the provider.
		l.logger.Error("failed to complete idempotency key", "key", key, "error", err)
	}
	return result, nil
}

// Call is Do for JSON-serializable results.
func Call[T any](ctx context.Context, l *Ledger, key, scope string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := l.Do(ctx, key, scope, func(ctx context.Context) (string, error) {
		v, err := fn(ctx)
		if err != nil {
			return "", err
		}
		buf, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, fmt.Errorf("decode cached result for %q: %w", key, err)
	}
	return out, nil
}

// Purge deletes keys past their expiry and webhook records older than the
// retention window.
func (l *Ledger) Purge(ctx context.Context) (int64, error) {
	now := l.now().UTC()
	keys, err := l.store.PurgeKeys(ctx, now)
	if err != nil {
		return 0, err
	}
	events, err := l.store.PurgeEvents(ctx, now.Add(-l.opts.Retention))
	if err != nil {
		return keys, err
	}
	l.logger.Info("idempotency ledger purged", "keys", keys, "events", events)
	return keys + events, nil
}
