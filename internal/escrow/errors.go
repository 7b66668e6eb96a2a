package escrow

import "errors"

// Every rejected operation returns one of these, possibly wrapped with
// detail. A rejected call never leaves a partial state change or value
// movement behind, except ErrReconciliationRequired: value may have moved
// and the committed record reflects that.
var (
	ErrUnauthorized      = errors.New("escrow: caller not authorized for this operation")
	ErrInvalidState      = errors.New("escrow: operation not allowed in current state")
	ErrInvalidAmount     = errors.New("escrow: invalid amount")
	ErrInvalidAddress    = errors.New("escrow: invalid address")
	ErrInvalidDeadline   = errors.New("escrow: invalid deadline")
	ErrDeadlineNotPassed = errors.New("escrow: deadline has not passed")
	ErrTransferFailed    = errors.New("escrow: token transfer failed")
	ErrOutOfBounds       = errors.New("escrow: value out of bounds")
	ErrNotFound          = errors.New("escrow: transaction not found")

	ErrReconciliationRequired = errors.New("escrow: transfer outcome incomplete, reconciliation required")
)

// errorKind labels err for metrics.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrInvalidDeadline):
		return "invalid_deadline"
	case errors.Is(err, ErrDeadlineNotPassed):
		return "deadline_not_passed"
	case errors.Is(err, ErrReconciliationRequired):
		return "reconciliation_required"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
