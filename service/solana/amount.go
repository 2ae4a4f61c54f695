package solana

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

var maxRawAmount = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ParseAmount parses a user-entered decimal amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, preconditionFailed("parse amount", fmt.Errorf("invalid amount %q", s))
	}
	return d, nil
}

// ToRawAmount converts a user-facing amount into raw units: floor(amount * 10^decimals).
// Fractions below the smallest unit are dropped, never rounded.
func ToRawAmount(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if !amount.IsPositive() {
		return 0, preconditionFailed("convert amount", ErrInvalidAmount)
	}

	raw := amount.Shift(int32(decimals)).Floor()
	if raw.IsZero() {
		return 0, preconditionFailed("convert amount", ErrAmountBelowUnit)
	}
	if raw.GreaterThan(maxRawAmount) {
		return 0, preconditionFailed("convert amount", ErrAmountOverflow)
	}
	return raw.BigInt().Uint64(), nil
}

// ScaleAmount converts raw units into a human-scaled amount: raw / 10^decimals.
func ScaleAmount(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}

// LamportsToSOL scales a lamport balance to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return ScaleAmount(lamports, 9)
}
