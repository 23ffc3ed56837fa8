package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskup/backend/internal/models"
)

// flaky fails CreateTransfer with err for the first n calls and records the keys it saw.
type flaky struct {
	Adapter
	n    int
	err  error
	keys []string
}

func (f *flaky) Name() models.Provider { return models.ProviderStripe }

func (f *flaky) CreateTransfer(_ context.Context, req TransferRequest) (string, error) {
	f.keys = append(f.keys, req.IdempotencyKey)
	if len(f.keys) <= f.n {
		return "", f.err
	}
	return "tr_1", nil
}

func noSleep(r Adapter) Adapter {
	r.(*retrying).sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestWithRetry_ReusesIdempotencyKey(t *testing.T) {
	f := &flaky{n: 2, err: ErrProviderUnavailable}
	a := noSleep(WithRetry(f, RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}, nil, nil))

	ref, err := a.CreateTransfer(context.Background(), TransferRequest{IdempotencyKey: "transfer:abc"})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", ref)
	assert.Equal(t, []string{"transfer:abc", "transfer:abc", "transfer:abc"}, f.keys)
}

func TestWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	f := &flaky{n: 10, err: ErrProviderTimeout}
	a := noSleep(WithRetry(f, RetryPolicy{MaxRetries: 2}, nil, nil))

	_, err := a.CreateTransfer(context.Background(), TransferRequest{IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrProviderTimeout)
	assert.Len(t, f.keys, 3)
}

func TestWithRetry_DoesNotRetryBusinessErrors(t *testing.T) {
	f := &flaky{n: 10, err: &APIError{Provider: models.ProviderStripe, Status: 400, Kind: ErrAccountNotChargeable}}
	a := noSleep(WithRetry(f, DefaultRetryPolicy(), nil, nil))

	_, err := a.CreateTransfer(context.Background(), TransferRequest{IdempotencyKey: "k"})
	assert.True(t, errors.Is(err, ErrAccountNotChargeable))
	assert.Len(t, f.keys, 1)
}

func TestRetryDelay_Capped(t *testing.T) {
	r := &retrying{policy: RetryPolicy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}}
	assert.Equal(t, time.Second, r.delay(0))
	assert.Equal(t, 2*time.Second, r.delay(1))
	assert.Equal(t, 3*time.Second, r.delay(2))
	assert.Equal(t, 3*time.Second, r.delay(40))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&flaky{}, "whsec")

	a, err := reg.Get(models.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderStripe, a.Name())
	assert.Equal(t, "whsec", reg.Secret(models.ProviderStripe))

	_, err = reg.Get(models.ProviderVipps)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
