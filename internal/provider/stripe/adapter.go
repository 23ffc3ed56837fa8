package stripe

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/taskup/backend/internal/provider"
)

type paymentIntent struct {
	ID             string            `json:"id"`
	ClientSecret   string            `json:"client_secret"`
	Status         string            `json:"status"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
}

type idObject struct {
	ID       string `json:"id"`
	Reversed bool   `json:"reversed"`
}

var (
	transferCodes = map[string]error{
		"insufficient_capabilities_for_transfer": provider.ErrAccountNotChargeable,
		"account_invalid":                        provider.ErrAccountNotChargeable,
		"transfers_not_allowed":                  provider.ErrAccountNotChargeable,
	}
	reversalCodes = map[string]error{
		"balance_insufficient": provider.ErrInsufficientConnectedBalance,
		"insufficient_funds":   provider.ErrInsufficientConnectedBalance,
	}
	cancelCodes = map[string]error{
		"payment_intent_unexpected_state": provider.ErrHoldNotCancelable,
	}
	payoutCodes = map[string]error{
		"balance_insufficient": provider.ErrInsufficientConnectedBalance,
		"payouts_not_allowed":  provider.ErrAccountNotChargeable,
	}
)

func amount(v int64) string { return strconv.FormatInt(v, 10) }

func (c *Client) CreateHold(ctx context.Context, req provider.HoldRequest) (*provider.Hold, error) {
	form := url.Values{}
	form.Set("amount", amount(req.AmountMinor))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[order_id]", req.OrderID)
	form.Set("metadata[task_id]", req.TaskID)
	if req.PayerRef != "" {
		form.Set("metadata[payer_id]", req.PayerRef)
	}
	var pi paymentIntent
	if err := c.post(ctx, "/v1/payment_intents", form, req.IdempotencyKey, "", &pi); err != nil {
		return nil, err
	}
	return &provider.Hold{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (c *Client) CaptureHold(ctx context.Context, reference string, amountMinor int64, _ string, key string) error {
	form := url.Values{}
	if amountMinor > 0 {
		form.Set("amount_to_capture", amount(amountMinor))
	}
	return c.post(ctx, "/v1/payment_intents/"+url.PathEscape(reference)+"/capture", form, key, "", nil)
}

func (c *Client) CancelHold(ctx context.Context, reference, key string) error {
	form := url.Values{}
	form.Set("cancellation_reason", "abandoned")
	err := c.post(ctx, "/v1/payment_intents/"+url.PathEscape(reference)+"/cancel", form, key, "", nil)
	return withCodes(err, cancelCodes)
}

func (c *Client) PaymentStatus(ctx context.Context, reference string) (provider.PaymentStatus, error) {
	var pi paymentIntent
	if err := c.get(ctx, "/v1/payment_intents/"+url.PathEscape(reference), &pi); err != nil {
		return "", err
	}
	return paymentStatus(pi.Status), nil
}

func paymentStatus(s string) provider.PaymentStatus {
	switch s {
	case "succeeded":
		return provider.PaymentStatusSucceeded
	case "requires_capture":
		return provider.PaymentStatusAuthorized
	case "canceled":
		return provider.PaymentStatusCanceled
	default:
		return provider.PaymentStatusPending
	}
}

func (c *Client) CreateTransfer(ctx context.Context, req provider.TransferRequest) (string, error) {
	form := url.Values{}
	form.Set("amount", amount(req.AmountMinor))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("destination", req.ConnectAccountID)
	form.Set("transfer_group", req.OrderID)
	form.Set("metadata[order_id]", req.OrderID)
	form.Set("metadata[original_amount]", amount(req.AmountMinor+req.PlatformFeeMinor))
	form.Set("metadata[platform_fee]", amount(req.PlatformFeeMinor))
	var tr idObject
	if err := c.post(ctx, "/v1/transfers", form, req.IdempotencyKey, "", &tr); err != nil {
		return "", withCodes(err, transferCodes)
	}
	return tr.ID, nil
}

// TransferStatus reports paid for any existing transfer: Stripe Connect
// transfers settle to the connected balance on creation.
func (c *Client) TransferStatus(ctx context.Context, reference string) (provider.TransferStatus, error) {
	var tr idObject
	if err := c.get(ctx, "/v1/transfers/"+url.PathEscape(reference), &tr); err != nil {
		return "", err
	}
	if tr.Reversed {
		return provider.TransferStatusReversed, nil
	}
	return provider.TransferStatusPaid, nil
}

func (c *Client) CreateRefund(ctx context.Context, req provider.RefundRequest) (string, error) {
	form := url.Values{}
	form.Set("payment_intent", req.PaymentReference)
	if req.AmountMinor > 0 {
		form.Set("amount", amount(req.AmountMinor))
	}
	if req.Reason != "" {
		form.Set("metadata[reason]", req.Reason)
	}
	var rf idObject
	if err := c.post(ctx, "/v1/refunds", form, req.IdempotencyKey, "", &rf); err != nil {
		return "", err
	}
	return rf.ID, nil
}

func (c *Client) ReverseTransfer(ctx context.Context, transferRef string, amountMinor int64, key string) (string, error) {
	form := url.Values{}
	if amountMinor > 0 {
		form.Set("amount", amount(amountMinor))
	}
	var rv idObject
	if err := c.post(ctx, "/v1/transfers/"+url.PathEscape(transferRef)+"/reversals", form, key, "", &rv); err != nil {
		return "", withCodes(err, reversalCodes)
	}
	return rv.ID, nil
}

func (c *Client) CreatePayout(ctx context.Context, req provider.PayoutRequest) (string, error) {
	form := url.Values{}
	form.Set("amount", amount(req.AmountMinor))
	form.Set("currency", strings.ToLower(req.Currency))
	var po idObject
	if err := c.post(ctx, "/v1/payouts", form, req.IdempotencyKey, req.ConnectAccountID, &po); err != nil {
		return "", withCodes(err, payoutCodes)
	}
	return po.ID, nil
}

// CreateConnectAccount opens an Express account with manual payouts, so
// funds leave the connected balance only when a payout is requested.
func (c *Client) CreateConnectAccount(ctx context.Context, req provider.AccountRequest) (string, error) {
	form := url.Values{}
	form.Set("type", "express")
	form.Set("country", strings.ToUpper(req.Country))
	if req.Email != "" {
		form.Set("email", req.Email)
	}
	form.Set("business_type", "individual")
	form.Set("capabilities[card_payments][requested]", "true")
	form.Set("capabilities[transfers][requested]", "true")
	form.Set("settings[payouts][schedule][interval]", "manual")
	form.Set("metadata[taskup_user_id]", req.UserID)
	var acct idObject
	if err := c.post(ctx, "/v1/accounts", form, req.IdempotencyKey, "", &acct); err != nil {
		return "", err
	}
	return acct.ID, nil
}

func (c *Client) AccountLink(ctx context.Context, req provider.AccountLinkRequest) (string, error) {
	form := url.Values{}
	form.Set("account", req.AccountID)
	form.Set("refresh_url", req.RefreshURL)
	form.Set("return_url", req.ReturnURL)
	form.Set("type", "account_onboarding")
	var link struct {
		URL string `json:"url"`
	}
	if err := c.post(ctx, "/v1/account_links", form, "", "", &link); err != nil {
		return "", err
	}
	return link.URL, nil
}
