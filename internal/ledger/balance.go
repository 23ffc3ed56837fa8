package ledger

import "github.com/taskup/backend/internal/models"

// Balance is the per-kind running total of an order's ledger.
type Balance struct {
	Hold     int64 `json:"hold"`
	Release  int64 `json:"release"`
	Fee      int64 `json:"fee"`
	Refund   int64 `json:"refund"`
	Reversal int64 `json:"reversal"`
	holds    int
}

// Summarize folds entries into a Balance. It does not validate them.
func Summarize(entries []models.LedgerEntry) Balance {
	var b Balance
	for _, e := range entries {
		b.add(e)
	}
	return b
}

// Add folds one more entry in, rejecting malformed entries and second holds.
func (b *Balance) Add(e models.LedgerEntry) error {
	if e.AmountMinor <= 0 {
		return ErrInvalidEntry
	}
	switch e.Kind {
	case models.LedgerHold:
		if b.holds > 0 {
			return ErrDuplicateHold
		}
	case models.LedgerRelease, models.LedgerFee, models.LedgerRefund, models.LedgerReversal:
	default:
		return ErrInvalidEntry
	}
	b.add(e)
	return nil
}

func (b *Balance) add(e models.LedgerEntry) {
	switch e.Kind {
	case models.LedgerHold:
		b.Hold += e.AmountMinor
		b.holds++
	case models.LedgerRelease:
		b.Release += e.AmountMinor
	case models.LedgerFee:
		b.Fee += e.AmountMinor
	case models.LedgerRefund:
		b.Refund += e.AmountMinor
	case models.LedgerReversal:
		b.Reversal += e.AmountMinor
	}
}

// Disbursed is the net amount that has left escrow.
func (b Balance) Disbursed() int64 {
	return b.Release + b.Fee + b.Refund - b.Reversal
}

// Escrowed is the amount the platform still holds for the order.
func (b Balance) Escrowed() int64 {
	return b.Hold - b.Disbursed()
}

// Check enforces 0 <= escrowed <= hold.
func (b Balance) Check() error {
	if b.Disbursed() > b.Hold || b.Disbursed() < 0 {
		return ErrOverDisbursement
	}
	return nil
}
