package vipps

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/taskup/backend/internal/provider"
)

type money struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

type createPaymentRequest struct {
	Amount             money             `json:"amount"`
	PaymentMethod      map[string]string `json:"paymentMethod"`
	Reference          string            `json:"reference"`
	ReturnURL          string            `json:"returnUrl"`
	UserFlow           string            `json:"userFlow"`
	PaymentDescription string            `json:"paymentDescription"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type createPaymentResponse struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirectUrl"`
}

type modification struct {
	ModificationAmount money `json:"modificationAmount"`
}

type payment struct {
	Reference    string `json:"reference"`
	State        string `json:"state"`
	PSPReference string `json:"pspReference"`
	Aggregate    struct {
		AuthorizedAmount money `json:"authorizedAmount"`
		CapturedAmount   money `json:"capturedAmount"`
		RefundedAmount   money `json:"refundedAmount"`
		CancelledAmount  money `json:"cancelledAmount"`
	} `json:"aggregate"`
}

type transferRequest struct {
	Reference   string            `json:"reference"`
	Destination string            `json:"destination"`
	Amount      money             `json:"amount"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type transfer struct {
	TransferID string `json:"transferId"`
	ReversalID string `json:"reversalId"`
	PayoutID   string `json:"payoutId"`
	Status     string `json:"status"`
}

// CreateHold starts an ePayment with the order id as the merchant reference,
// so the reference is known before Vipps answers.
func (c *Client) CreateHold(ctx context.Context, req provider.HoldRequest) (*provider.Hold, error) {
	returnURL := c.cfg.ReturnURL
	if returnURL != "" {
		returnURL += "?order=" + url.QueryEscape(req.OrderID)
	}
	in := createPaymentRequest{
		Amount:             money{Currency: strings.ToUpper(req.Currency), Value: req.AmountMinor},
		PaymentMethod:      map[string]string{"type": "WALLET"},
		Reference:          req.OrderID,
		ReturnURL:          returnURL,
		UserFlow:           "WEB_REDIRECT",
		PaymentDescription: "Task " + req.TaskID,
		Metadata:           map[string]string{"order_id": req.OrderID, "task_id": req.TaskID},
	}
	var out createPaymentResponse
	if err := c.call(ctx, http.MethodPost, "/epayment/v1/payments", in, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	ref := out.Reference
	if ref == "" {
		ref = req.OrderID
	}
	return &provider.Hold{Reference: ref, RedirectURL: out.RedirectURL}, nil
}

func (c *Client) CaptureHold(ctx context.Context, reference string, amountMinor int64, currency, key string) error {
	in := modification{ModificationAmount: money{Currency: strings.ToUpper(currency), Value: amountMinor}}
	return c.call(ctx, http.MethodPost, "/epayment/v1/payments/"+url.PathEscape(reference)+"/capture", in, key, nil)
}

func (c *Client) CancelHold(ctx context.Context, reference, key string) error {
	err := c.call(ctx, http.MethodPost, "/epayment/v1/payments/"+url.PathEscape(reference)+"/cancel", nil, key, nil)
	return withKind(err, func(e *provider.APIError) bool { return e.Status == http.StatusConflict || e.Status == http.StatusBadRequest }, provider.ErrHoldNotCancelable)
}

func (c *Client) getPayment(ctx context.Context, reference string) (*payment, error) {
	var p payment
	if err := c.call(ctx, http.MethodGet, "/epayment/v1/payments/"+url.PathEscape(reference), nil, "", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) PaymentStatus(ctx context.Context, reference string) (provider.PaymentStatus, error) {
	p, err := c.getPayment(ctx, reference)
	if err != nil {
		return "", err
	}
	switch p.State {
	case "AUTHORIZED":
		if p.Aggregate.CapturedAmount.Value > 0 {
			return provider.PaymentStatusSucceeded, nil
		}
		return provider.PaymentStatusAuthorized, nil
	case "TERMINATED", "ABORTED", "EXPIRED":
		return provider.PaymentStatusCanceled, nil
	default:
		return provider.PaymentStatusPending, nil
	}
}

func (c *Client) CreateTransfer(ctx context.Context, req provider.TransferRequest) (string, error) {
	in := transferRequest{
		Reference:   req.OrderID,
		Destination: req.ConnectAccountID,
		Amount:      money{Currency: strings.ToUpper(req.Currency), Value: req.AmountMinor},
		Metadata:    map[string]string{"order_id": req.OrderID, "payment_reference": req.PaymentReference},
	}
	var out transfer
	err := c.call(ctx, http.MethodPost, "/settlements/v1/transfers", in, req.IdempotencyKey, &out)
	if err != nil {
		return "", withKind(err, hasCode("ACCOUNT_NOT_CHARGEABLE", "ACCOUNT_RESTRICTED"), provider.ErrAccountNotChargeable)
	}
	return out.TransferID, nil
}

func (c *Client) TransferStatus(ctx context.Context, reference string) (provider.TransferStatus, error) {
	var out transfer
	if err := c.call(ctx, http.MethodGet, "/settlements/v1/transfers/"+url.PathEscape(reference), nil, "", &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "PAID":
		return provider.TransferStatusPaid, nil
	case "FAILED":
		return provider.TransferStatusFailed, nil
	case "REVERSED":
		return provider.TransferStatusReversed, nil
	default:
		return provider.TransferStatusPending, nil
	}
}

// CreateRefund refunds the captured amount when req.AmountMinor is zero.
func (c *Client) CreateRefund(ctx context.Context, req provider.RefundRequest) (string, error) {
	amt := money{Currency: strings.ToUpper(req.Currency), Value: req.AmountMinor}
	if amt.Value == 0 {
		p, err := c.getPayment(ctx, req.PaymentReference)
		if err != nil {
			return "", err
		}
		amt = p.Aggregate.CapturedAmount
		amt.Value -= p.Aggregate.RefundedAmount.Value
	}
	var out payment
	path := "/epayment/v1/payments/" + url.PathEscape(req.PaymentReference) + "/refund"
	if err := c.call(ctx, http.MethodPost, path, modification{ModificationAmount: amt}, req.IdempotencyKey, &out); err != nil {
		return "", err
	}
	if out.PSPReference != "" {
		return out.PSPReference, nil
	}
	return req.PaymentReference + ":refund", nil
}

func (c *Client) ReverseTransfer(ctx context.Context, transferRef string, amountMinor int64, key string) (string, error) {
	in := map[string]int64{"value": amountMinor}
	var out transfer
	err := c.call(ctx, http.MethodPost, "/settlements/v1/transfers/"+url.PathEscape(transferRef)+"/reversals", in, key, &out)
	if err != nil {
		return "", withKind(err, hasCode("INSUFFICIENT_BALANCE"), provider.ErrInsufficientConnectedBalance)
	}
	return out.ReversalID, nil
}

func (c *Client) CreatePayout(ctx context.Context, req provider.PayoutRequest) (string, error) {
	in := map[string]any{
		"destination": req.ConnectAccountID,
		"amount":      money{Currency: strings.ToUpper(req.Currency), Value: req.AmountMinor},
	}
	var out transfer
	err := c.call(ctx, http.MethodPost, "/payouts/v1/payouts", in, req.IdempotencyKey, &out)
	if err != nil {
		return "", withKind(err, hasCode("ACCOUNT_NOT_CHARGEABLE", "PAYOUTS_DISABLED"), provider.ErrAccountNotChargeable)
	}
	return out.PayoutID, nil
}

type accountRequest struct {
	Reference string `json:"reference"`
	Email     string `json:"email,omitempty"`
	Country   string `json:"country"`
}

type account struct {
	AccountID string `json:"accountId"`
	URL       string `json:"url"`
}

// CreateConnectAccount registers a sub-merchant for the tasker with the user
// id as merchant reference.
func (c *Client) CreateConnectAccount(ctx context.Context, req provider.AccountRequest) (string, error) {
	in := accountRequest{Reference: req.UserID, Email: req.Email, Country: strings.ToUpper(req.Country)}
	var out account
	if err := c.call(ctx, http.MethodPost, "/connect/v1/accounts", in, req.IdempotencyKey, &out); err != nil {
		return "", err
	}
	return out.AccountID, nil
}

func (c *Client) AccountLink(ctx context.Context, req provider.AccountLinkRequest) (string, error) {
	in := map[string]string{"refreshUrl": req.RefreshURL, "returnUrl": req.ReturnURL}
	var out account
	if err := c.call(ctx, http.MethodPost, "/connect/v1/accounts/"+url.PathEscape(req.AccountID)+"/links", in, "", &out); err != nil {
		return "", err
	}
	return out.URL, nil
}
