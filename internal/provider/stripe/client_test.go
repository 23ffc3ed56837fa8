package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskup/backend/internal/provider"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "sk_test", BaseURL: srv.URL})
}

func TestCreateHold_SendsIdempotencyKeyAndMetadata(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "taskup-order-1", r.Header.Get("Idempotency-Key"))
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test", user)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "50000", r.PostForm.Get("amount"))
		assert.Equal(t, "nok", r.PostForm.Get("currency"))
		assert.Equal(t, "order-1", r.PostForm.Get("metadata[order_id]"))
		w.Write([]byte(`{"id":"pi_123","client_secret":"pi_123_secret"}`))
	})

	h, err := c.CreateHold(context.Background(), provider.HoldRequest{
		OrderID: "order-1", TaskID: "task-1", AmountMinor: 50000, Currency: "NOK", IdempotencyKey: "taskup-order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", h.Reference)
	assert.Equal(t, "pi_123_secret", h.ClientSecret)
}

func TestCreateTransfer_AccountNotChargeable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "acct_1", r.PostForm.Get("destination"))
		assert.Equal(t, "5000", r.PostForm.Get("metadata[platform_fee]"))
		assert.Equal(t, "50000", r.PostForm.Get("metadata[original_amount]"))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"insufficient_capabilities_for_transfer","message":"no"}}`))
	})

	_, err := c.CreateTransfer(context.Background(), provider.TransferRequest{
		ConnectAccountID: "acct_1", AmountMinor: 45000, PlatformFeeMinor: 5000, Currency: "NOK", OrderID: "o", IdempotencyKey: "k",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrAccountNotChargeable))
	assert.False(t, provider.Retryable(err))
}

func TestReverseTransfer_InsufficientBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers/tr_1/reversals", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"balance_insufficient","message":"low"}}`))
	})

	_, err := c.ReverseTransfer(context.Background(), "tr_1", 45000, "reverse:o")
	assert.ErrorIs(t, err, provider.ErrInsufficientConnectedBalance)
}

func TestServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.CreateRefund(context.Background(), provider.RefundRequest{PaymentReference: "pi_1", IdempotencyKey: "refund:o"})
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
	assert.True(t, provider.Retryable(err))
}

func TestCancelHold_NotCancelable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"payment_intent_unexpected_state","message":"already succeeded"}}`))
	})
	err := c.CancelHold(context.Background(), "pi_1", "cancel:o")
	assert.ErrorIs(t, err, provider.ErrHoldNotCancelable)
}

func TestPaymentStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"id":"pi_1","status":"requires_capture"}`))
	})
	st, err := c.PaymentStatus(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, provider.PaymentStatusAuthorized, st)
}

func TestCreatePayout_UsesConnectedAccountHeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acct_9", r.Header.Get("Stripe-Account"))
		w.Write([]byte(`{"id":"po_1"}`))
	})
	ref, err := c.CreatePayout(context.Background(), provider.PayoutRequest{ConnectAccountID: "acct_9", AmountMinor: 100, Currency: "NOK", IdempotencyKey: "p"})
	require.NoError(t, err)
	assert.Equal(t, "po_1", ref)
}

func TestTimeoutIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	c := New(Config{APIKey: "k", BaseURL: srv.URL, Timeout: 20 * time.Millisecond})

	_, err := c.PaymentStatus(context.Background(), "pi_1")
	assert.ErrorIs(t, err, provider.ErrProviderTimeout)
}

func TestCreateConnectAccount_ExpressWithManualPayouts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts", r.URL.Path)
		assert.Equal(t, "connect-account:stripe:u1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "express", r.PostForm.Get("type"))
		assert.Equal(t, "NO", r.PostForm.Get("country"))
		assert.Equal(t, "true", r.PostForm.Get("capabilities[transfers][requested]"))
		assert.Equal(t, "manual", r.PostForm.Get("settings[payouts][schedule][interval]"))
		assert.Equal(t, "u1", r.PostForm.Get("metadata[taskup_user_id]"))
		w.Write([]byte(`{"id":"acct_42"}`))
	})

	id, err := c.CreateConnectAccount(context.Background(), provider.AccountRequest{
		UserID: "u1", Email: "t@example.com", Country: "no", IdempotencyKey: "connect-account:stripe:u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "acct_42", id)
}

func TestAccountLink(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/account_links", r.URL.Path)
		assert.Empty(t, r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "acct_42", r.PostForm.Get("account"))
		assert.Equal(t, "account_onboarding", r.PostForm.Get("type"))
		assert.Equal(t, "https://taskup.test/return?account_id=acct_42", r.PostForm.Get("return_url"))
		w.Write([]byte(`{"url":"https://connect.stripe.com/setup/e/acct_42"}`))
	})

	link, err := c.AccountLink(context.Background(), provider.AccountLinkRequest{
		AccountID:  "acct_42",
		RefreshURL: "https://taskup.test/refresh?account_id=acct_42",
		ReturnURL:  "https://taskup.test/return?account_id=acct_42",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://connect.stripe.com/setup/e/acct_42", link)
}
