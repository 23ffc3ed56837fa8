package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskup/backend/internal/models"
)

// ---------------------------------------------------------------------------
// mock store
// ---------------------------------------------------------------------------

type memStore struct {
	mu      sync.Mutex
	entries []models.LedgerEntry
}

func (m *memStore) AppendTx(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memStore) ListByOrderTx(_ context.Context, _ pgx.Tx, orderID uuid.UUID) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.entries {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestAppend_ReleaseFlow(t *testing.T) {
	svc := NewService(&memStore{})
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, svc.Append(ctx, nil, id, models.LedgerHold, 50001))
	require.NoError(t, svc.Append(ctx, nil, id, models.LedgerRelease, 45001))
	require.NoError(t, svc.Append(ctx, nil, id, models.LedgerFee, 5000))

	b, err := svc.Balance(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Escrowed())
	assert.Equal(t, int64(50001), b.Disbursed())
}

func TestAppend_RejectsDoubleRelease(t *testing.T) {
	svc := NewService(&memStore{})
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, svc.Append(ctx, nil, id, models.LedgerHold, 1000))
	require.NoError(t, svc.Append(ctx, nil, id, models.LedgerRelease, 900))
	require.NoError(t, svc.Append(ctx, nil, id, models.LedgerFee, 100))

	err := svc.Append(ctx, nil, id, models.LedgerRelease, 900)
	assert.True(t, errors.Is(err, ErrOverDisbursement), "got %v", err)
}

func TestAppend_RefundAfterRelease(t *testing.T) {
	svc := NewService(&memStore{})
	ctx := context.Background()
	id := uuid.New()

	for _, step := range []struct {
		kind   string
		amount int64
	}{
		{models.LedgerHold, 1000},
		{models.LedgerRelease, 900},
		{models.LedgerFee, 100},
		{models.LedgerReversal, 900},
		{models.LedgerReversal, 100},
		{models.LedgerRefund, 1000},
	} {
		require.NoError(t, svc.Append(ctx, nil, id, step.kind, step.amount), step.kind)
	}
	b, err := svc.Balance(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Escrowed())
}

func TestAppend_ReversalBeyondDisbursed(t *testing.T) {
	svc := NewService(&memStore{})
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, svc.Append(ctx, nil, id, models.LedgerHold, 1000))
	err := svc.Append(ctx, nil, id, models.LedgerReversal, 1)
	assert.ErrorIs(t, err, ErrOverDisbursement)
}

func TestAppend_InvalidEntries(t *testing.T) {
	svc := NewService(&memStore{})
	ctx := context.Background()
	id := uuid.New()

	assert.ErrorIs(t, svc.Append(ctx, nil, id, models.LedgerHold, 0), ErrInvalidEntry)
	assert.ErrorIs(t, svc.Append(ctx, nil, id, "bonus", 10), ErrInvalidEntry)
	require.NoError(t, svc.Append(ctx, nil, id, models.LedgerHold, 10))
	assert.ErrorIs(t, svc.Append(ctx, nil, id, models.LedgerHold, 10), ErrDuplicateHold)
}

func TestAppend_RefundWithoutHold(t *testing.T) {
	svc := NewService(&memStore{})
	err := svc.Append(context.Background(), nil, uuid.New(), models.LedgerRefund, 5)
	assert.ErrorIs(t, err, ErrOverDisbursement)
}
