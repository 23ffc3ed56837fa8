package provider

import "github.com/taskup/backend/internal/models"

// EventType is the provider-neutral name of a webhook event.
type EventType string

const (
	EventUnknown           EventType = ""
	EventPaymentAuthorized EventType = "payment.authorized"
	EventPaymentSucceeded  EventType = "payment.succeeded"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentCanceled   EventType = "payment.canceled"
	EventChargeRefunded    EventType = "charge.refunded"
	EventAccountUpdated    EventType = "account.updated"
	EventTransferCreated   EventType = "transfer.created"
	EventTransferPaid      EventType = "transfer.paid"
	EventTransferFailed    EventType = "transfer.failed"
	EventTransferReversed  EventType = "transfer.reversed"
	EventPayoutPaid        EventType = "payout.paid"
	EventPayoutFailed      EventType = "payout.failed"
)

// Event is a verified, normalized webhook delivery.
type Event struct {
	Provider models.Provider
	// ID is unique per provider and is the dedup key.
	ID      string
	Type    EventType
	RawType string

	// OrderID comes from metadata the platform attached to the hold or
	// transfer. Empty when the provider did not echo it back.
	OrderID           string
	PaymentReference  string
	TransferReference string
	PayoutReference   string
	AccountID         string
	AmountMinor       int64
	Currency          string

	ChargesEnabled bool
	PayoutsEnabled bool
	AccountStatus  string
	FailureReason  string
}
