package escrow

import (
	"fmt"

	"github.com/mbd888/escrowd/internal/units"
)

// Fee defaults, in smallest token units (6 decimals).
const (
	DefaultFee uint64 = 5 * units.One
	MinFee     uint64 = 1 * units.One
	MaxFee     uint64 = 50 * units.One
)

// FeePolicy bounds the platform fee.
type FeePolicy struct {
	Min uint64
	Max uint64
}

// DefaultFeePolicy is [1, 50] whole tokens.
var DefaultFeePolicy = FeePolicy{Min: MinFee, Max: MaxFee}

func (p FeePolicy) valid() error {
	if p.Min == 0 || p.Min > p.Max {
		return fmt.Errorf("%w: fee bounds [%d, %d]", ErrOutOfBounds, p.Min, p.Max)
	}
	return nil
}

// Check rejects a fee outside [Min, Max].
func (p FeePolicy) Check(fee uint64) error {
	if fee < p.Min || fee > p.Max {
		return fmt.Errorf("%w: fee %s outside [%s, %s]", ErrOutOfBounds,
			units.Format(fee), units.Format(p.Min), units.Format(p.Max))
	}
	return nil
}

// Split divides amount into the platform fee and what the counterparty
// receives. amount must exceed fee.
func Split(amount, fee uint64) (feePart, remainder uint64, err error) {
	if amount <= fee {
		return 0, 0, fmt.Errorf("%w: amount %s must exceed fee %s", ErrInvalidAmount,
			units.Format(amount), units.Format(fee))
	}
	return fee, amount - fee, nil
}
