package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow ledger entry kinds.
const (
	LedgerHold     = "hold"
	LedgerRelease  = "release"
	LedgerRefund   = "refund"
	LedgerReversal = "reversal"
	LedgerFee      = "fee"
)

// LedgerEntry is an append-only escrow movement for one order. AmountMinor is
// always positive; the kind decides the direction.
type LedgerEntry struct {
	ID          uuid.UUID `json:"id"`
	OrderID     uuid.UUID `json:"order_id"`
	Kind        string    `json:"kind"`
	AmountMinor int64     `json:"amount_minor"`
	CreatedAt   time.Time `json:"created_at"`
}
