package session

import (
	"errors"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	errInvalidAmount   = errors.New("invalid amount")
	errTooManyDecimals = errors.New("too many decimal places")
)

// parseAmount converts a user-typed decimal string into raw integer units.
// An empty string parses to nil.
func parseAmount(value string, decimals int32) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	// A trailing separator is a partially typed number.
	value = strings.TrimSuffix(value, ".")
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, errInvalidAmount
	}
	if d.IsNegative() {
		return nil, errInvalidAmount
	}
	if d.Exponent() < -decimals {
		return nil, errTooManyDecimals
	}
	return d.Shift(decimals).BigInt(), nil
}

// formatAmount renders raw units as a decimal string without trailing zeros.
func formatAmount(raw *big.Int, decimals int32) string {
	if raw == nil {
		return ""
	}
	return decimal.NewFromBigInt(raw, -decimals).String()
}

// percent renders a fraction as a percentage with two decimals.
func percent(r *big.Rat) string {
	if r == nil {
		return ""
	}
	return new(big.Rat).Mul(r, big.NewRat(100, 1)).FloatString(2)
}
