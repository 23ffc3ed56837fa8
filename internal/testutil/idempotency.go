package testutil

import (
	"context"
	"time"

	"github.com/taskup/backend/internal/models"
)

func eventKey(p models.Provider, eventID string) string { return string(p) + "/" + eventID }

// Idempotency implements idempotency.Store.
type Idempotency struct{ s *Store }

func (s *Store) Idempotency() *Idempotency { return &Idempotency{s} }

func (r *Idempotency) InsertEvent(_ context.Context, rec *models.WebhookEventRecord, staleBefore time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := eventKey(rec.Provider, rec.EventID)
	if existing, ok := r.s.events[k]; ok {
		if existing.Outcome != models.OutcomeProcessing || !existing.ReceivedAt.Before(staleBefore) {
			return false, nil
		}
	}
	cp := *rec
	r.s.events[k] = &cp
	return true, nil
}

func (r *Idempotency) SetEventOutcome(_ context.Context, p models.Provider, eventID, outcome, detail string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.events[eventKey(p, eventID)]
	if !ok {
		return models.ErrNotFound
	}
	rec.Outcome = outcome
	rec.Detail = detail
	return nil
}

func (r *Idempotency) DeleteEvent(_ context.Context, p models.Provider, eventID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.events, eventKey(p, eventID))
	return nil
}

func (r *Idempotency) Reserve(_ context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.keys[rec.Key]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *rec
	r.s.keys[rec.Key] = &cp
	out := cp
	return &out, nil
}

func (r *Idempotency) Complete(_ context.Context, key, result string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.keys[key]
	if !ok {
		return models.ErrNotFound
	}
	rec.Result = result
	rec.CompletedAt = &at
	return nil
}

func (r *Idempotency) PurgeKeys(_ context.Context, expiredBefore time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, rec := range r.s.keys {
		if rec.ExpiresAt.Before(expiredBefore) {
			delete(r.s.keys, k)
			n++
		}
	}
	return n, nil
}

func (r *Idempotency) PurgeEvents(_ context.Context, receivedBefore time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, rec := range r.s.events {
		if rec.ReceivedAt.Before(receivedBefore) && rec.Outcome != models.OutcomeProcessing {
			delete(r.s.events, k)
			n++
		}
	}
	return n, nil
}

// KeyCount reports how many outbound idempotency keys are stored.
func (s *Store) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
