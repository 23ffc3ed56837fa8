package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Wallet entry kinds.
const (
	WalletCashback = "cashback"
)

// WalletEntry credits a user's platform wallet. Unique on (OrderID, Kind).
type WalletEntry struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	OrderID     uuid.UUID `json:"order_id"`
	Kind        string    `json:"kind"`
	AmountMinor int64     `json:"amount_minor"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notifiable event kinds.
const (
	NotifyPaymentConfirmed = "payment_confirmed"
	NotifyTransferPaid     = "transfer_paid"
	NotifyPayoutFailed     = "payout_failed"
	NotifyRefundIssued     = "refund_issued"
)

// Notification is handed to the external notification collaborator.
type Notification struct {
	Kind      string          `json:"kind"`
	Recipient uuid.UUID       `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
}
