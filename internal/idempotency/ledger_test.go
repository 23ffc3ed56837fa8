package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/testutil"
)

func newLedger(t *testing.T) (*Ledger, *testutil.Store, *time.Time) {
	t.Helper()
	st := testutil.NewStore()
	l := New(st.Idempotency(), Options{Retention: time.Hour, StaleAfter: time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, st, &now
}

func TestRecordIfNew(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	isNew, err := l.RecordIfNew(ctx, models.ProviderStripe, "evt_1", "payment_intent.succeeded")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = l.RecordIfNew(ctx, models.ProviderStripe, "evt_1", "payment_intent.succeeded")
	require.NoError(t, err)
	assert.False(t, isNew, "second delivery must not be claimed")

	isNew, err = l.RecordIfNew(ctx, models.ProviderVipps, "evt_1", "AUTHORIZED")
	require.NoError(t, err)
	assert.True(t, isNew, "event ids are scoped per provider")
}

func TestRecordIfNew_ReclaimsStaleProcessing(t *testing.T) {
	l, _, now := newLedger(t)
	ctx := context.Background()

	_, err := l.RecordIfNew(ctx, models.ProviderStripe, "evt_1", "x")
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	isNew, err := l.RecordIfNew(ctx, models.ProviderStripe, "evt_1", "x")
	require.NoError(t, err)
	assert.True(t, isNew, "a crashed handler's claim is taken over after StaleAfter")

	require.NoError(t, l.MarkOutcome(ctx, models.ProviderStripe, "evt_1", models.OutcomeApplied, ""))
	*now = now.Add(10 * time.Minute)
	isNew, err = l.RecordIfNew(ctx, models.ProviderStripe, "evt_1", "x")
	require.NoError(t, err)
	assert.False(t, isNew, "a finished event is never reclaimed")
}

func TestForget(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.RecordIfNew(ctx, models.ProviderStripe, "evt_1", "x")
	require.NoError(t, err)
	require.NoError(t, l.Forget(ctx, models.ProviderStripe, "evt_1"))
	assert.Nil(t, st.Event(models.ProviderStripe, "evt_1"))

	isNew, err := l.RecordIfNew(ctx, models.ProviderStripe, "evt_1", "x")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestDo_RunsOnce(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (string, error) {
		calls++
		return "tr_1", nil
	}

	got, err := l.Do(ctx, "transfer:1", "transfer", fn)
	require.NoError(t, err)
	assert.Equal(t, "tr_1", got)

	got, err = l.Do(ctx, "transfer:1", "transfer", fn)
	require.NoError(t, err)
	assert.Equal(t, "tr_1", got)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesAfterFailure(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	boom := errors.New("timeout")

	_, err := l.Do(ctx, "refund:1", "refund", func(context.Context) (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	got, err := l.Do(ctx, "refund:1", "refund", func(context.Context) (string, error) { return "re_1", nil })
	require.NoError(t, err)
	assert.Equal(t, "re_1", got)
}

func TestDo_ScopeMismatch(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Do(ctx, "k", "refund", func(context.Context) (string, error) { return "x", nil })
	require.NoError(t, err)
	_, err = l.Do(ctx, "k", "transfer", func(context.Context) (string, error) { return "y", nil })
	assert.ErrorIs(t, err, ErrScopeMismatch)
}

func TestCall_JSON(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	type hold struct {
		Reference string `json:"reference"`
	}
	calls := 0
	fn := func(context.Context) (hold, error) {
		calls++
		return hold{Reference: "pi_1"}, nil
	}

	first, err := Call(ctx, l, "hold:1", "hold", fn)
	require.NoError(t, err)
	second, err := Call(ctx, l, "hold:1", "hold", fn)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestPurge(t *testing.T) {
	l, st, now := newLedger(t)
	ctx := context.Background()

	_, err := l.Do(ctx, "k", "s", func(context.Context) (string, error) { return "x", nil })
	require.NoError(t, err)
	_, err = l.RecordIfNew(ctx, models.ProviderStripe, "evt_1", "x")
	require.NoError(t, err)
	require.NoError(t, l.MarkOutcome(ctx, models.ProviderStripe, "evt_1", models.OutcomeApplied, ""))
	_, err = l.RecordIfNew(ctx, models.ProviderStripe, "evt_2", "x")
	require.NoError(t, err)

	n, err := l.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing expires inside the retention window")

	*now = now.Add(2 * time.Hour)
	n, err = l.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "the processing evt_2 survives the purge")
	assert.Zero(t, st.KeyCount())
	assert.NotNil(t, st.Event(models.ProviderStripe, "evt_2"))
}
