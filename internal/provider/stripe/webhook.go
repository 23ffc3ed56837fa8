package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

const signatureHeader = "Stripe-Signature"

type event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Account string `json:"account"`
	Data    struct {
		Object object `json:"object"`
	} `json:"data"`
}

type object struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	AmountRefunded   int64             `json:"amount_refunded"`
	Currency         string            `json:"currency"`
	PaymentIntent    string            `json:"payment_intent"`
	Metadata         map[string]string `json:"metadata"`
	ChargesEnabled   bool              `json:"charges_enabled"`
	PayoutsEnabled   bool              `json:"payouts_enabled"`
	DetailsSubmitted bool              `json:"details_submitted"`
	Destination      string            `json:"destination"`
	FailureMessage   string            `json:"failure_message"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

var eventTypes = map[string]provider.EventType{
	"payment_intent.amount_capturable_updated": provider.EventPaymentAuthorized,
	"payment_intent.succeeded":                 provider.EventPaymentSucceeded,
	"payment_intent.payment_failed":            provider.EventPaymentFailed,
	"payment_intent.canceled":                  provider.EventPaymentCanceled,
	"charge.refunded":                          provider.EventChargeRefunded,
	"account.updated":                          provider.EventAccountUpdated,
	"transfer.created":                         provider.EventTransferCreated,
	"transfer.paid":                            provider.EventTransferPaid,
	"transfer.failed":                          provider.EventTransferFailed,
	"transfer.reversed":                        provider.EventTransferReversed,
	"payout.paid":                              provider.EventPayoutPaid,
	"payout.failed":                            provider.EventPayoutFailed,
}

// VerifyWebhook checks the Stripe-Signature header (t=<unix>,v1=<hex hmac>)
// over "<t>.<body>" and rejects timestamps outside the tolerance window.
func (c *Client) VerifyWebhook(req provider.WebhookRequest, secret string) (*provider.Event, error) {
	if err := c.verifySignature(req.Body, req.Header.Get(signatureHeader), secret); err != nil {
		return nil, err
	}
	var ev event
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", provider.ErrMalformedEvent)
	}
	return normalize(&ev), nil
}

func (c *Client) verifySignature(body []byte, header, secret string) error {
	if header == "" || secret == "" {
		return provider.ErrSignatureInvalid
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(sigs) == 0 {
		return provider.ErrSignatureInvalid
	}
	age := c.now().Sub(time.Unix(unix, 0))
	if age > c.tolerance || age < -c.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", provider.ErrSignatureInvalid)
	}
	expected := computeSignature(ts, body, secret)
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err == nil && hmac.Equal(got, expected) {
			return nil
		}
	}
	return provider.ErrSignatureInvalid
}

func computeSignature(ts string, body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHeader builds a Stripe-Signature header value. Used by tests and the
// local webhook replay tool.
func SignHeader(body []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(computeSignature(ts, body, secret))
}

func normalize(ev *event) *provider.Event {
	obj := ev.Data.Object
	out := &provider.Event{
		Provider: models.ProviderStripe,
		ID:       ev.ID,
		Type:     eventTypes[ev.Type],
		RawType:  ev.Type,
		OrderID:  obj.Metadata["order_id"],
		Currency: strings.ToUpper(obj.Currency),
	}
	switch out.Type {
	case provider.EventPaymentAuthorized, provider.EventPaymentSucceeded, provider.EventPaymentFailed, provider.EventPaymentCanceled:
		out.PaymentReference = obj.ID
		out.AmountMinor = obj.Amount
		if obj.AmountReceived > 0 {
			out.AmountMinor = obj.AmountReceived
		}
		if obj.LastPaymentError != nil {
			out.FailureReason = obj.LastPaymentError.Message
		}
	case provider.EventChargeRefunded:
		out.PaymentReference = obj.PaymentIntent
		out.AmountMinor = obj.AmountRefunded
	case provider.EventAccountUpdated:
		out.AccountID = obj.ID
		out.ChargesEnabled = obj.ChargesEnabled
		out.PayoutsEnabled = obj.PayoutsEnabled
		out.AccountStatus = accountStatus(obj)
	case provider.EventTransferCreated, provider.EventTransferPaid, provider.EventTransferFailed, provider.EventTransferReversed:
		out.TransferReference = obj.ID
		out.AccountID = obj.Destination
		out.AmountMinor = obj.Amount
		out.FailureReason = obj.FailureMessage
	case provider.EventPayoutPaid, provider.EventPayoutFailed:
		out.PayoutReference = obj.ID
		out.AccountID = ev.Account
		out.AmountMinor = obj.Amount
		out.FailureReason = obj.FailureMessage
	}
	return out
}

func accountStatus(obj object) string {
	switch {
	case obj.ChargesEnabled && obj.PayoutsEnabled:
		return "active"
	case obj.DetailsSubmitted:
		return "restricted"
	default:
		return "pending"
	}
}
