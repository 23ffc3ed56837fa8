package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repositories when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Provider identifies one of the two payment providers.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderVipps  Provider = "vipps"
)

// OrderState is the escrow lifecycle state of an Order. It is a cache derived
// from the escrow ledger; the state machine is its only writer.
type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderHeld      OrderState = "HELD"
	OrderReleasing OrderState = "RELEASING"
	OrderReleased  OrderState = "RELEASED"
	OrderRefunding OrderState = "REFUNDING"
	OrderRefunded  OrderState = "REFUNDED"
	OrderReversing OrderState = "REVERSING"
	OrderReversed  OrderState = "REVERSED"
	OrderFailed    OrderState = "FAILED"
	OrderCanceled  OrderState = "CANCELED"
)

// IsTerminal reports whether no further transition can leave the state.
// RELEASED is not terminal: a clawback may still move it to REVERSING.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderRefunded, OrderReversed, OrderFailed, OrderCanceled:
		return true
	}
	return false
}

// Order is one funding attempt for a task.
type Order struct {
	ID                uuid.UUID  `json:"id"`
	Provider          Provider   `json:"provider"`
	ProviderReference *string    `json:"provider_reference,omitempty"`
	ClientSecret      *string    `json:"client_secret,omitempty"`
	RedirectURL       *string    `json:"redirect_url,omitempty"`
	AmountMinor       int64      `json:"amount_minor"`
	Currency          string     `json:"currency"`
	State             OrderState `json:"state"`
	TaskID            uuid.UUID  `json:"task_id"`
	PayerID           uuid.UUID  `json:"payer_id"`
	IdempotencyKey    string     `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Reference returns the provider reference or "" when the provider has not responded yet.
func (o *Order) Reference() string {
	if o.ProviderReference == nil {
		return ""
	}
	return *o.ProviderReference
}
