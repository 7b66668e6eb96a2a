// Package escrow implements an escrow protocol for a fungible token.
//
// A sender locks an amount for a recipient in a custody account. The
// funds leave custody on one of four paths:
//  1. Recipient confirms delivery → release to recipient
//  2. Sender approves after the recipient's confirmation → release
//  3. Either party (or the arbitrator) disputes → arbitrator releases or refunds
//  4. Deadline passes undelivered → sender claims a refund
//
// A fixed platform fee is taken from every release and refund. The owner
// has audited emergency paths for recovery.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/token"
)

// State is the lifecycle position of a transaction. Values match the
// on-chain enum (0 was an unused AWAITING_PAYMENT).
type State uint8

const (
	StateAwaitingDelivery State = 1
	StateComplete         State = 2
	StateDisputed         State = 3
	StateRefunded         State = 4
)

func (s State) String() string {
	switch s {
	case StateAwaitingDelivery:
		return "awaiting_delivery"
	case StateComplete:
		return "complete"
	case StateDisputed:
		return "disputed"
	case StateRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no normal operation may leave s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateRefunded
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	p, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = p
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(v string) (State, error) {
	for _, s := range []State{StateAwaitingDelivery, StateComplete, StateDisputed, StateRefunded} {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown state %q", v)
}

// Transaction is one escrow record.
type Transaction struct {
	ID                 uint64          `json:"id"`
	Sender             address.Address `json:"sender"`
	Recipient          address.Address `json:"recipient"`
	Amount             uint64          `json:"amount"`
	Fee                uint64          `json:"fee"`
	State              State           `json:"state"`
	CreatedAt          time.Time       `json:"createdAt"`
	Deadline           time.Time       `json:"deadline"`
	SenderApproved     bool            `json:"senderApproved"`
	RecipientApproved  bool            `json:"recipientApproved"`
	ArbitratorVoted    bool            `json:"arbitratorVoted"`
	ArbitratorDecision bool            `json:"arbitratorDecision"`
	ResolvedAt         *time.Time      `json:"resolvedAt,omitempty"`
	Emergency          bool            `json:"emergency,omitempty"`
}

// Clone returns a copy that shares nothing with t.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

// Settings are the owner-controlled protocol parameters.
type Settings struct {
	Owner          address.Address `json:"owner"`
	Arbitrator     address.Address `json:"arbitrator"`
	PlatformWallet address.Address `json:"platformWallet"`
	Token          address.Address `json:"token"`
	Fee            uint64          `json:"fee"`
}

func (s Settings) validate(p FeePolicy) error {
	switch {
	case s.Owner.IsZero():
		return fmt.Errorf("%w: owner is zero", ErrInvalidAddress)
	case s.Arbitrator.IsZero():
		return fmt.Errorf("%w: arbitrator is zero", ErrInvalidAddress)
	case s.PlatformWallet.IsZero():
		return fmt.Errorf("%w: platform wallet is zero", ErrInvalidAddress)
	}
	return p.Check(s.Fee)
}

// Stats summarises the ledger for gauges and the settings endpoint.
type Stats struct {
	Total            uint64 `json:"total"`
	AwaitingDelivery int    `json:"awaitingDelivery"`
	Disputed         int    `json:"disputed"`
	Complete         int    `json:"complete"`
	Refunded         int    `json:"refunded"`
	LockedUnits      uint64 `json:"lockedUnits"`
	Expired          int    `json:"expired"`
}

// CreateRequest is the input to Service.Create. Deadline is ignored in
// fixed-window mode.
type CreateRequest struct {
	Recipient address.Address
	Amount    uint64
	Deadline  time.Time
}

// Payout is one leg of a settlement.
type Payout = token.Payout

// TokenGateway moves custodial value on the token ledger. A returned
// error is a failed transfer.
type TokenGateway interface {
	Transfer(ctx context.Context, to address.Address, amount uint64) error
	TransferFrom(ctx context.Context, from, to address.Address, amount uint64) error
	BalanceOf(ctx context.Context, account address.Address) (uint64, error)
	Allowance(ctx context.Context, owner, spender address.Address) (uint64, error)
	Custody() address.Address
}

// BatchTransferer is implemented by gateways that can apply several
// payouts out of custody all-or-nothing.
type BatchTransferer interface {
	TransferBatch(ctx context.Context, legs []Payout) error
}

// GatewayResolver builds a gateway for a token address. It backs SetToken.
type GatewayResolver func(ctx context.Context, tokenAddr address.Address) (TokenGateway, error)

// Store persists transactions, their events, and the settings.
type Store interface {
	// Allocate reserves the next id. Allocation is serialized: the next
	// Allocate blocks until the reservation is committed or released.
	Allocate(ctx context.Context) (Reservation, error)
	Get(ctx context.Context, id uint64) (*Transaction, error)
	// Acquire opens an exclusive unit of work on one transaction.
	Acquire(ctx context.Context, id uint64) (Unit, error)
	Count(ctx context.Context) (uint64, error)
	ListByParty(ctx context.Context, party address.Address, limit int) ([]*Transaction, error)
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	Events(ctx context.Context, id uint64) ([]Event, error)
	RecordEvents(ctx context.Context, events []Event) error
	LoadSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s Settings, events []Event) error
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// Reservation holds the next id until it is used or given back.
type Reservation interface {
	ID() uint64
	Commit(ctx context.Context, tx *Transaction, events []Event) error
	Release()
}

// Unit is an exclusive read-modify-write section on one transaction.
// Put stages a replacement record that readers do not see until Commit
// makes it durable together with the events. Rollback drops the staged
// record. After Commit, Rollback is a no-op, so callers can always defer it.
type Unit interface {
	Record() *Transaction
	Put(ctx context.Context, tx *Transaction) error
	Commit(ctx context.Context, events []Event) error
	Rollback(ctx context.Context) error
}

// Publisher receives events after they are committed. Delivery is best
// effort.
type Publisher interface {
	Publish(ctx context.Context, events []Event)
}
