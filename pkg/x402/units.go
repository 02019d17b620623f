package x402

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the precision of XLM and Stellar-issued assets.
const DefaultDecimals int32 = 7

// ToBaseUnits converts a decimal amount ("0.25") to an integer base unit
// string ("2500000" at 7 decimals).
func ToBaseUnits(amount string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("x402: invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("x402: negative amount %q", amount)
	}
	units := d.Shift(decimals)
	if !units.IsInteger() {
		return "", fmt.Errorf("x402: amount %q has more than %d decimal places", amount, decimals)
	}
	return units.BigInt().String(), nil
}

// FromBaseUnits converts an integer base unit string back to a decimal
// amount with exactly decimals fractional digits.
func FromBaseUnits(units string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(units)
	if err != nil {
		return "", fmt.Errorf("x402: invalid base units %q: %w", units, err)
	}
	if !d.IsInteger() || d.IsNegative() {
		return "", fmt.Errorf("x402: base units must be a non-negative integer, got %q", units)
	}
	return d.Shift(-decimals).StringFixed(decimals), nil
}

// CompareBaseUnits returns -1, 0 or 1 comparing two base unit strings.
func CompareBaseUnits(a, b string) (int, error) {
	da, err := decimal.NewFromString(a)
	if err != nil {
		return 0, fmt.Errorf("x402: invalid base units %q: %w", a, err)
	}
	db, err := decimal.NewFromString(b)
	if err != nil {
		return 0, fmt.Errorf("x402: invalid base units %q: %w", b, err)
	}
	return da.Cmp(db), nil
}
