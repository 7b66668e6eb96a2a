// Package token implements the fungible-token gateways the escrow service
// moves value through: an in-process ledger for development and tests, and
// an ERC-20 contract client for an EVM JSON-RPC chain.
package token

import (
	"errors"
	"fmt"

	"github.com/mbd888/escrowd/internal/address"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAddress        = errors.New("token: invalid address")
	ErrOverflow              = errors.New("token: amount overflow")
	ErrTransactionFailed     = errors.New("token: transaction reverted")
	ErrPartialSettlement     = errors.New("token: settlement partially applied")
	ErrTimeout               = errors.New("token: confirmation timed out")
	ErrUnconfirmed           = errors.New("token: transfer outcome unknown")
	ErrRPCConnection         = errors.New("token: RPC connection failed")
	ErrInvalidPrivateKey     = errors.New("token: invalid private key")
)

// MayHaveMoved reports whether a failed transfer could still have moved
// value: some legs of a batch landed, or a sent transaction was never
// seen to confirm or revert. Such a failure must not be retried blindly.
func MayHaveMoved(err error) bool {
	return errors.Is(err, ErrPartialSettlement) || errors.Is(err, ErrUnconfirmed)
}

// Payout is one leg of a multi-leg settlement out of custody.
type Payout struct {
	To     address.Address
	Amount uint64
}

// Total sums the legs, failing on overflow.
func Total(legs []Payout) (uint64, error) {
	var sum uint64
	for _, p := range legs {
		if sum+p.Amount < sum {
			return 0, ErrOverflow
		}
		sum += p.Amount
	}
	return sum, nil
}

// TransferError wraps transfer failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("token: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("token: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
