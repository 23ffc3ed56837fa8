package models

import (
	"time"

	"github.com/google/uuid"
)

// Transfer states.
const (
	TransferPending  = "pending"
	TransferPaid     = "paid"
	TransferFailed   = "failed"
	TransferReversed = "reversed"
)

// Transfer moves the escrowed amount, minus the platform fee, to the tasker's
// connected account. PlatformFeeMinor and FeeRate are frozen at creation.
type Transfer struct {
	ID                uuid.UUID `json:"id"`
	OrderID           uuid.UUID `json:"order_id"`
	ConnectAccountID  string    `json:"connect_account_id"`
	AmountMinor       int64     `json:"amount_minor"`
	PlatformFeeMinor  int64     `json:"platform_fee_minor"`
	FeeRate           string    `json:"fee_rate"`
	State             string    `json:"state"`
	ProviderReference *string   `json:"provider_reference,omitempty"`
	ReversalReference *string   `json:"reversal_reference,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Payout states.
const (
	PayoutPending = "pending"
	PayoutPaid    = "paid"
	PayoutFailed  = "failed"
)

// Payout moves funds from a connected account to the tasker's bank.
type Payout struct {
	ID                uuid.UUID `json:"id"`
	Provider          Provider  `json:"provider"`
	ConnectAccountID  string    `json:"connect_account_id"`
	UserID            uuid.UUID `json:"user_id"`
	AmountMinor       int64     `json:"amount_minor"`
	Currency          string    `json:"currency"`
	State             string    `json:"state"`
	ProviderReference *string   `json:"provider_reference,omitempty"`
	FailureReason     *string   `json:"failure_reason,omitempty"`
	IdempotencyKey    string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
