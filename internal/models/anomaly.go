package models

import (
	"time"

	"github.com/google/uuid"
)

// Anomaly kinds surfaced to the operator queue.
const (
	AnomalyInvalidTransition            = "invalid_transition"
	AnomalyAmountMismatch               = "amount_mismatch"
	AnomalyUnknownReference             = "unknown_reference"
	AnomalyAccountNotChargeable         = "account_not_chargeable"
	AnomalyInsufficientConnectedBalance = "insufficient_connected_balance"
	AnomalyRefundAfterReleaseFailed     = "refund_after_release_failed"
	AnomalyTransferFailed               = "transfer_failed"
	AnomalyPayoutFailed                 = "payout_failed"
	AnomalyNoAssignee                   = "no_assignee"
)

// Anomaly is a persisted, operator-visible record of a state the system
// refused to guess its way out of.
type Anomaly struct {
	ID         uuid.UUID  `json:"id"`
	Kind       string     `json:"kind"`
	OrderID    *uuid.UUID `json:"order_id,omitempty"`
	Provider   *Provider  `json:"provider,omitempty"`
	EventID    *string    `json:"event_id,omitempty"`
	Detail     string     `json:"detail"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy *string    `json:"resolved_by,omitempty"`
	Resolution *string    `json:"resolution,omitempty"`
}
