package services

import "github.com/shopspring/decimal"

// FeePolicy is the immutable rate configuration in force when a transfer is
// created. The rates are frozen into the Transfer row and never re-read.
type FeePolicy struct {
	FeeRate      decimal.Decimal
	CashbackRate decimal.Decimal
}

// Split truncates the fee toward zero so it is never understated:
// 50000 at 0.10 gives fee 5000, 50001 gives fee 5000 and transfer 45001.
func (p FeePolicy) Split(amountMinor int64) (feeMinor, transferMinor int64) {
	feeMinor = decimal.NewFromInt(amountMinor).Mul(p.FeeRate).Floor().IntPart()
	return feeMinor, amountMinor - feeMinor
}

// Cashback is computed from the transfer amount, not the gross.
func (p FeePolicy) Cashback(transferMinor int64) int64 {
	return decimal.NewFromInt(transferMinor).Mul(p.CashbackRate).Floor().IntPart()
}
