// Package provider defines the capability set every payment provider adapter
// implements and the normalized webhook event adapters produce.
package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/taskup/backend/internal/models"
)

var (
	ErrSignatureInvalid             = errors.New("webhook signature invalid")
	ErrMalformedEvent               = errors.New("malformed webhook event")
	ErrAccountNotChargeable         = errors.New("connected account lacks payout capability")
	ErrInsufficientConnectedBalance = errors.New("connected account balance below reversal amount")
	ErrProviderTimeout              = errors.New("provider timeout")
	ErrProviderUnavailable          = errors.New("provider unavailable")
	ErrHoldNotCancelable            = errors.New("hold can no longer be canceled")
	ErrUnknownProvider              = errors.New("unknown provider")
)

// Retryable reports whether err is transient and may be retried with the same
// idempotency key.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderTimeout) || errors.Is(err, ErrProviderUnavailable)
}

// HoldRequest asks the provider to reserve the payer's funds.
type HoldRequest struct {
	OrderID        string
	TaskID         string
	PayerRef       string
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
}

// Hold is the provider's answer to a HoldRequest. Exactly one of ClientSecret
// and RedirectURL is set, depending on the provider's checkout style.
type Hold struct {
	Reference    string `json:"reference"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
}

type TransferRequest struct {
	ConnectAccountID string
	AmountMinor      int64
	PlatformFeeMinor int64
	Currency         string
	OrderID          string
	PaymentReference string
	IdempotencyKey   string
}

// RefundRequest refunds a captured payment. AmountMinor zero means a full refund.
type RefundRequest struct {
	PaymentReference string
	AmountMinor      int64
	Currency         string
	Reason           string
	IdempotencyKey   string
}

type PayoutRequest struct {
	ConnectAccountID string
	AmountMinor      int64
	Currency         string
	IdempotencyKey   string
}

// AccountRequest opens a connected account for a tasker. The account starts
// without capabilities; they arrive later through account webhooks.
type AccountRequest struct {
	UserID         string
	Email          string
	Country        string
	IdempotencyKey string
}

// AccountLinkRequest asks for a hosted onboarding page. Links expire, so a
// new one is requested every time the tasker resumes onboarding.
type AccountLinkRequest struct {
	AccountID  string
	RefreshURL string
	ReturnURL  string
}

// WebhookRequest carries everything a provider may sign over.
type WebhookRequest struct {
	Body   []byte
	Header http.Header
	Host   string
	Path   string
}

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusAuthorized PaymentStatus = "authorized"
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCanceled   PaymentStatus = "canceled"
)

type TransferStatus string

const (
	TransferStatusPending  TransferStatus = "pending"
	TransferStatusPaid     TransferStatus = "paid"
	TransferStatusFailed   TransferStatus = "failed"
	TransferStatusReversed TransferStatus = "reversed"
)

// Adapter is implemented once per provider and selected at construction time.
// Every mutating call carries an idempotency key that is forwarded to the
// provider verbatim, so a retried call never creates a second effect.
type Adapter interface {
	Name() models.Provider
	CreateHold(ctx context.Context, req HoldRequest) (*Hold, error)
	CaptureHold(ctx context.Context, reference string, amountMinor int64, currency, idempotencyKey string) error
	CancelHold(ctx context.Context, reference, idempotencyKey string) error
	PaymentStatus(ctx context.Context, reference string) (PaymentStatus, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)
	TransferStatus(ctx context.Context, reference string) (TransferStatus, error)
	CreateRefund(ctx context.Context, req RefundRequest) (string, error)
	ReverseTransfer(ctx context.Context, transferRef string, amountMinor int64, idempotencyKey string) (string, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (string, error)
	CreateConnectAccount(ctx context.Context, req AccountRequest) (string, error)
	AccountLink(ctx context.Context, req AccountLinkRequest) (string, error)
	VerifyWebhook(req WebhookRequest, secret string) (*Event, error)
}
