package vipps

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

const (
	headerDate        = "X-Ms-Date"
	headerContentHash = "X-Ms-Content-Sha256"
)

type webhookBody struct {
	EventID      string `json:"eventId"`
	MSN          string `json:"msn"`
	Reference    string `json:"reference"`
	PSPReference string `json:"pspReference"`
	Name         string `json:"name"`
	Amount       money  `json:"amount"`
	Success      *bool  `json:"success"`

	TransferID     string `json:"transferId"`
	PayoutID       string `json:"payoutId"`
	AccountID      string `json:"accountId"`
	ChargesEnabled bool   `json:"chargesEnabled"`
	PayoutsEnabled bool   `json:"payoutsEnabled"`
	Status         string `json:"status"`
	FailureReason  string `json:"failureReason"`
}

var eventNames = map[string]provider.EventType{
	"AUTHORIZED":        provider.EventPaymentAuthorized,
	"CAPTURED":          provider.EventPaymentSucceeded,
	"ABORTED":           provider.EventPaymentCanceled,
	"EXPIRED":           provider.EventPaymentCanceled,
	"CANCELLED":         provider.EventPaymentCanceled,
	"TERMINATED":        provider.EventPaymentCanceled,
	"REFUNDED":          provider.EventChargeRefunded,
	"ACCOUNT_UPDATED":   provider.EventAccountUpdated,
	"TRANSFER_CREATED":  provider.EventTransferCreated,
	"TRANSFER_PAID":     provider.EventTransferPaid,
	"TRANSFER_FAILED":   provider.EventTransferFailed,
	"TRANSFER_REVERSED": provider.EventTransferReversed,
	"PAYOUT_PAID":       provider.EventPayoutPaid,
	"PAYOUT_FAILED":     provider.EventPayoutFailed,
}

// VerifyWebhook checks the HMAC-SHA256 Authorization header. The signed string
// is "POST\n<path>\n<x-ms-date>;<host>;<x-ms-content-sha256>" and the content
// hash must match the body.
func (c *Client) VerifyWebhook(req provider.WebhookRequest, secret string) (*provider.Event, error) {
	if err := c.verifySignature(req, secret); err != nil {
		return nil, err
	}
	var body webhookBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
	}
	if body.Name == "" {
		return nil, fmt.Errorf("%w: missing name", provider.ErrMalformedEvent)
	}
	return normalize(&body), nil
}

func (c *Client) verifySignature(req provider.WebhookRequest, secret string) error {
	if secret == "" {
		return provider.ErrSignatureInvalid
	}
	date := req.Header.Get(headerDate)
	contentHash := req.Header.Get(headerContentHash)
	if date == "" || contentHash == "" {
		return provider.ErrSignatureInvalid
	}
	sum := sha256.Sum256(req.Body)
	if !hmac.Equal([]byte(base64.StdEncoding.EncodeToString(sum[:])), []byte(contentHash)) {
		return fmt.Errorf("%w: content hash mismatch", provider.ErrSignatureInvalid)
	}
	at, err := http.ParseTime(date)
	if err != nil {
		return provider.ErrSignatureInvalid
	}
	if age := c.now().Sub(at); age > c.tolerance || age < -c.tolerance {
		return fmt.Errorf("%w: date outside tolerance", provider.ErrSignatureInvalid)
	}

	_, sig, ok := strings.Cut(req.Header.Get("Authorization"), "Signature=")
	if !ok {
		return provider.ErrSignatureInvalid
	}
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return provider.ErrSignatureInvalid
	}
	if !hmac.Equal(got, sign(req.Path, date, req.Host, contentHash, secret)) {
		return provider.ErrSignatureInvalid
	}
	return nil
}

func sign(path, date, host, contentHash, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("POST\n" + path + "\n" + date + ";" + host + ";" + contentHash))
	return mac.Sum(nil)
}

// SignRequest fills the headers Vipps would send for body. Used by tests and
// the local webhook replay tool.
func SignRequest(req *provider.WebhookRequest, secret string, at time.Time) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	sum := sha256.Sum256(req.Body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])
	date := at.UTC().Format(http.TimeFormat)
	sig := base64.StdEncoding.EncodeToString(sign(req.Path, date, req.Host, contentHash, secret))
	req.Header.Set(headerDate, date)
	req.Header.Set(headerContentHash, contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+sig)
}

func normalize(b *webhookBody) *provider.Event {
	ev := &provider.Event{
		Provider:      models.ProviderVipps,
		ID:            b.EventID,
		Type:          eventNames[b.Name],
		RawType:       b.Name,
		AmountMinor:   b.Amount.Value,
		Currency:      b.Amount.Currency,
		FailureReason: b.FailureReason,
	}
	if ev.ID == "" {
		ev.ID = b.Reference + ":" + b.Name + ":" + b.PSPReference + b.TransferID + b.PayoutID
	}
	if b.Success != nil && !*b.Success {
		switch ev.Type {
		case provider.EventPaymentAuthorized, provider.EventPaymentSucceeded:
			ev.Type = provider.EventPaymentFailed
		default:
			ev.Type = provider.EventUnknown
		}
	}
	switch ev.Type {
	case provider.EventPaymentAuthorized, provider.EventPaymentSucceeded, provider.EventPaymentFailed,
		provider.EventPaymentCanceled, provider.EventChargeRefunded:
		ev.PaymentReference = b.Reference
		if _, err := uuid.Parse(b.Reference); err == nil {
			ev.OrderID = b.Reference
		}
	case provider.EventTransferCreated, provider.EventTransferPaid, provider.EventTransferFailed, provider.EventTransferReversed:
		ev.TransferReference = b.TransferID
		ev.AccountID = b.AccountID
		if _, err := uuid.Parse(b.Reference); err == nil {
			ev.OrderID = b.Reference
		}
	case provider.EventPayoutPaid, provider.EventPayoutFailed:
		ev.PayoutReference = b.PayoutID
		ev.AccountID = b.AccountID
	case provider.EventAccountUpdated:
		ev.AccountID = b.AccountID
		ev.ChargesEnabled = b.ChargesEnabled
		ev.PayoutsEnabled = b.PayoutsEnabled
		ev.AccountStatus = strings.ToLower(b.Status)
	}
	return ev
}
