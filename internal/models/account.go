package models

import (
	"time"

	"github.com/google/uuid"
)

// Account statuses. Providers may report others; they are stored verbatim.
const (
	AccountStatusPending = "pending"
)

// ConnectAccount is a tasker's provider-managed sub-account. Capabilities are
// only ever written from capability-update webhooks.
type ConnectAccount struct {
	AccountID      string    `json:"account_id"`
	Provider       Provider  `json:"provider"`
	UserID         uuid.UUID `json:"user_id"`
	ChargesEnabled bool      `json:"charges_enabled"`
	PayoutsEnabled bool      `json:"payouts_enabled"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
