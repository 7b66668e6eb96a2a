// Package units converts between human token amounts and smallest units.
//
// The escrowed token uses 6 decimal places (1 token = 1,000,000 units),
// matching USDT on TRON. Amounts are uint64 in the smallest unit.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Decimals is the token's decimal precision.
const Decimals = 6

// One is one whole token in smallest units.
const One uint64 = 1_000_000

var (
	ErrSyntax    = errors.New("units: invalid amount")
	ErrPrecision = errors.New("units: more than 6 decimal places")
	ErrRange     = errors.New("units: amount out of range")
)

// Parse converts a decimal string ("10.5") to smallest units (10500000).
// Negative numbers and excess precision are rejected rather than truncated.
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if strings.Contains(frac, ".") {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if len(frac) > Decimals {
		if strings.TrimRight(frac[Decimals:], "0") != "" {
			return 0, fmt.Errorf("%w: %q", ErrPrecision, s)
		}
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %q", ErrRange, s)
		}
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	f, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if w > (^uint64(0)-f)/One {
		return 0, fmt.Errorf("%w: %q", ErrRange, s)
	}
	return w*One + f, nil
}

// MustParse panics on invalid input. For constants and tests.
func MustParse(s string) uint64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders smallest units with exactly 6 decimals ("10.500000").
func Format(v uint64) string {
	return fmt.Sprintf("%d.%06d", v/One, v%One)
}

// Big converts to *big.Int for on-chain calls.
func Big(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

// FromBig converts an on-chain value. Values above uint64 are rejected.
func FromBig(b *big.Int) (uint64, error) {
	if b == nil {
		return 0, nil
	}
	if b.Sign() < 0 || !b.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrRange, b.String())
	}
	return b.Uint64(), nil
}
