package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/escrowd/internal/address"
)

type allowanceKey struct {
	owner, spender address.Address
}

// MemoryLedger is an in-process token: balances, allowances and an atomic
// batch transfer. It backs the development server and the escrow tests.
type MemoryLedger struct {
	mu         sync.Mutex
	balances   map[address.Address]uint64
	allowances map[allowanceKey]uint64
	supply     uint64
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:   make(map[address.Address]uint64),
		allowances: make(map[allowanceKey]uint64),
	}
}

// Mint credits amount to acct out of thin air.
func (l *MemoryLedger) Mint(acct address.Address, amount uint64) error {
	if acct.IsZero() {
		return ErrInvalidAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.supply+amount < l.supply {
		return ErrOverflow
	}
	l.supply += amount
	l.balances[acct] += amount
	return nil
}

// Approve sets the allowance spender may pull from owner, replacing any
// previous value.
func (l *MemoryLedger) Approve(owner, spender address.Address, amount uint64) error {
	if owner.IsZero() || spender.IsZero() {
		return ErrInvalidAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{owner, spender}] = amount
	return nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, acct address.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[acct], nil
}

func (l *MemoryLedger) Allowance(_ context.Context, owner, spender address.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[allowanceKey{owner, spender}], nil
}

// TotalSupply is the sum of all balances.
func (l *MemoryLedger) TotalSupply() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply
}

// Account returns the gateway view of the ledger for a custody account.
func (l *MemoryLedger) Account(custody address.Address) *Account {
	return &Account{ledger: l, custody: custody}
}

// Caller must hold l.mu.
func (l *MemoryLedger) move(from, to address.Address, amount uint64) error {
	if to.IsZero() {
		return ErrInvalidAddress
	}
	if l.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from, l.balances[from], amount)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// Account is a MemoryLedger seen from the escrow custody account.
type Account struct {
	ledger  *MemoryLedger
	custody address.Address
}

func (a *Account) Custody() address.Address { return a.custody }

func (a *Account) BalanceOf(ctx context.Context, acct address.Address) (uint64, error) {
	return a.ledger.BalanceOf(ctx, acct)
}

func (a *Account) Allowance(ctx context.Context, owner, spender address.Address) (uint64, error) {
	return a.ledger.Allowance(ctx, owner, spender)
}

// Transfer moves amount out of custody.
func (a *Account) Transfer(_ context.Context, to address.Address, amount uint64) error {
	a.ledger.mu.Lock()
	defer a.ledger.mu.Unlock()
	return a.ledger.move(a.custody, to, amount)
}

// TransferFrom pulls amount from an owner that approved the custody account.
func (a *Account) TransferFrom(_ context.Context, from, to address.Address, amount uint64) error {
	l := a.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{from, a.custody}
	if l.allowances[key] < amount {
		return fmt.Errorf("%w: %s allowed %d, needs %d", ErrInsufficientAllowance, from, l.allowances[key], amount)
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	l.allowances[key] -= amount
	return nil
}

// TransferBatch applies every leg or none.
func (a *Account) TransferBatch(_ context.Context, legs []Payout) error {
	total, err := Total(legs)
	if err != nil {
		return err
	}

	l := a.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[a.custody] < total {
		return fmt.Errorf("%w: custody has %d, batch needs %d", ErrInsufficientBalance, l.balances[a.custody], total)
	}
	for _, p := range legs {
		if p.To.IsZero() {
			return ErrInvalidAddress
		}
	}
	for _, p := range legs {
		// Cannot fail: balance and recipients checked above.
		_ = l.move(a.custody, p.To, p.Amount)
	}
	return nil
}
