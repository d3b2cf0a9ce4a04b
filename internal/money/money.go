// Package money fixes the numeric conventions for the two units this
// system deals in: EUR amounts carry two decimals, SOL amounts carry five
// decimals on invoices and nine decimals (lamports) on-chain.
//
// Rounding direction is part of the contract: conversions that decide what
// a user must pay round UP, conversions that decide what a user is credited
// round DOWN. Neither direction may ever shortchange the treasury by a
// rounding step.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of atomic on-chain units in one SOL.
const LamportsPerSOL = 1_000_000_000

var (
	// ErrInvalidFormat occurs when parsing a decimal string fails.
	ErrInvalidFormat = errors.New("money: invalid format")

	// ErrNegativeAmount occurs when a negative amount reaches an
	// operation that only accepts positive values.
	ErrNegativeAmount = errors.New("money: negative amount not allowed")
)

var lamportFactor = decimal.NewFromInt(LamportsPerSOL)

// ParseEUR parses a EUR amount string such as "12.50".
//
// The value is returned at full precision; callers pick the rounding
// direction with FloorEUR/CeilEUR/QuantizeEUR.
func ParseEUR(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	return d, nil
}

// ParsePositiveEUR parses a EUR amount and rejects zero and negative values.
func ParsePositiveEUR(s string) (decimal.Decimal, error) {
	d, err := ParseEUR(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNegativeAmount
	}
	return d, nil
}

// FloorEUR rounds down to 0.01 EUR. Used for amounts credited to users,
// including reseller discounts per unit.
func FloorEUR(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(2)
}

// CeilEUR rounds up to 0.01 EUR.
func CeilEUR(d decimal.Decimal) decimal.Decimal {
	return d.RoundCeil(2)
}

// QuantizeEUR rounds to 0.01 EUR with banker's rounding. Used for derived
// display values where no credit/charge direction applies, such as the
// cached EUR/SOL quote.
func QuantizeEUR(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// CeilSOL rounds up to 0.00001 SOL. Used when converting a EUR charge to
// the SOL amount a user must send: padding up means price drift within the
// rounding step can never produce an underpayment.
func CeilSOL(d decimal.Decimal) decimal.Decimal {
	return d.RoundCeil(5)
}

// FloorSOL rounds down to 0.00001 SOL.
func FloorSOL(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(5)
}

// FromLamports converts an on-chain lamport balance to SOL at full
// precision.
func FromLamports(lamports uint64) decimal.Decimal {
	return decimal.New(int64(lamports), -9)
}

// ToLamports converts a SOL amount to lamports, truncating toward zero.
// Negative amounts convert to zero.
func ToLamports(sol decimal.Decimal) uint64 {
	if sol.IsNegative() {
		return 0
	}
	return uint64(sol.Mul(lamportFactor).IntPart())
}

// FormatEUR renders an amount with exactly two decimals, e.g. "12.50".
func FormatEUR(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatSOL renders an amount with exactly five decimals, e.g. "0.04213".
func FormatSOL(d decimal.Decimal) string {
	return d.StringFixed(5)
}
