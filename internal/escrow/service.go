package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/token"
	"github.com/mbd888/escrowd/internal/traces"
)

// Config holds the protocol toggles.
type Config struct {
	DeadlineMode   DeadlineMode
	FixedWindow    time.Duration // fixed mode only
	MaxWindow      time.Duration // explicit mode cap; 0 = none
	EventPayload   PayloadMode
	MaxAmount      uint64 // 0 = no ceiling
	EmergencyGrace time.Duration
	Fees           FeePolicy
}

// DefaultConfig is the explicit-deadline, rich-event variant.
func DefaultConfig() Config {
	return Config{
		DeadlineMode:   DeadlineExplicit,
		FixedWindow:    DefaultFixedWindow,
		EventPayload:   PayloadRich,
		EmergencyGrace: DefaultEmergencyGrace,
		Fees:           DefaultFeePolicy,
	}
}

func (c Config) validate() error {
	switch c.DeadlineMode {
	case DeadlineExplicit:
	case DeadlineFixed:
		if c.FixedWindow <= 0 {
			return fmt.Errorf("escrow: fixed window must be positive, got %s", c.FixedWindow)
		}
	default:
		return fmt.Errorf("escrow: unknown deadline mode %q", c.DeadlineMode)
	}
	if c.EventPayload != PayloadRich && c.EventPayload != PayloadMinimal {
		return fmt.Errorf("escrow: unknown event payload mode %q", c.EventPayload)
	}
	if c.EmergencyGrace < 0 {
		return fmt.Errorf("escrow: negative emergency grace %s", c.EmergencyGrace)
	}
	return c.Fees.valid()
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now. Timestamps are truncated to seconds.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.clock = now }
}

// WithPublisher receives committed events.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithResolver enables SetToken.
func WithResolver(r GatewayResolver) Option {
	return func(s *Service) { s.resolve = r }
}

// Service is the transaction state machine.
type Service struct {
	store     Store
	cfg       Config
	clock     func() time.Time
	publisher Publisher
	resolve   GatewayResolver

	mu       sync.RWMutex // guards settings and gateway
	settings Settings
	gateway  TokenGateway
}

// NewService creates a service. Call Init before use.
func NewService(store Store, gateway TokenGateway, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init loads persisted settings, or stores defaults on first start.
// Persisted settings win over defaults.
func (s *Service) Init(ctx context.Context, defaults Settings) error {
	loaded, err := s.store.LoadSettings(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		if defaults.Fee == 0 {
			defaults.Fee = DefaultFee
		}
		if err := defaults.validate(s.cfg.Fees); err != nil {
			return err
		}
		if err := s.store.SaveSettings(ctx, defaults, nil); err != nil {
			return fmt.Errorf("save initial settings: %w", err)
		}
		loaded = &defaults
	case err != nil:
		return fmt.Errorf("load settings: %w", err)
	default:
		if err := loaded.validate(s.cfg.Fees); err != nil {
			return fmt.Errorf("persisted settings: %w", err)
		}
		if loaded.Token != defaults.Token && s.resolve != nil {
			gw, err := s.resolve(ctx, loaded.Token)
			if err != nil {
				return fmt.Errorf("resolve persisted token %s: %w", loaded.Token, err)
			}
			s.gateway = gw
		}
	}

	s.mu.Lock()
	s.settings = *loaded
	s.mu.Unlock()
	return nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Second)
}

// Settings returns a copy of the current settings.
func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Config returns the protocol toggles.
func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) gw() TokenGateway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gateway
}

// begin opens a span for op and returns a finisher that records the
// outcome. Use with a named error return.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := traces.StartSpan(ctx, "escrow."+op, attrs...)
	return ctx, func(errp *error) {
		metrics.EscrowOperationsTotal.WithLabelValues(op, errorKind(*errp)).Inc()
		traces.End(span, errp)
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.L(ctx)
}

// Create validates the request, pulls amount from caller into custody and
// records the transaction. Nothing is recorded and nothing moves unless
// every step succeeds.
func (s *Service) Create(ctx context.Context, caller address.Address, req CreateRequest) (tx *Transaction, err error) {
	ctx, done := s.begin(ctx, "create", traces.Caller(caller.String()), traces.Amount(req.Amount))
	defer done(&err)

	settings := s.Settings()
	gw := s.gw()
	now := s.now()

	if caller.IsZero() {
		return nil, fmt.Errorf("%w: sender is zero", ErrInvalidAddress)
	}
	if req.Recipient.IsZero() {
		return nil, fmt.Errorf("%w: recipient is zero", ErrInvalidAddress)
	}
	if req.Recipient == caller {
		return nil, fmt.Errorf("%w: recipient equals sender", ErrInvalidAddress)
	}
	if _, _, err := Split(req.Amount, settings.Fee); err != nil {
		return nil, err
	}
	if s.cfg.MaxAmount > 0 && req.Amount > s.cfg.MaxAmount {
		return nil, fmt.Errorf("%w: amount above ceiling %d", ErrInvalidAmount, s.cfg.MaxAmount)
	}
	deadline, err := s.deadlineFor(now, req.Deadline)
	if err != nil {
		return nil, err
	}

	if err := s.checkFunding(ctx, gw, caller, req.Amount); err != nil {
		return nil, err
	}

	res, err := s.store.Allocate(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			res.Release()
		}
	}()

	if err := gw.TransferFrom(ctx, caller, gw.Custody(), req.Amount); err != nil {
		if token.MayHaveMoved(err) {
			return nil, s.depositUnconfirmed(ctx, caller, req, now, err)
		}
		return nil, fmt.Errorf("%w: deposit: %v", ErrTransferFailed, err)
	}

	tx = &Transaction{
		ID:        res.ID(),
		Sender:    caller,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Fee:       settings.Fee,
		State:     StateAwaitingDelivery,
		CreatedAt: now,
		Deadline:  deadline,
	}
	eb := &eventBuilder{mode: s.cfg.EventPayload, now: now}
	eb.add(EventTransactionCreated, idRef(tx.ID), map[string]string{
		"sender":    tx.Sender.String(),
		"recipient": tx.Recipient.String(),
		"amount":    fmtUnits(tx.Amount),
	}, map[string]string{
		"fee":      fmtUnits(tx.Fee),
		"deadline": tx.Deadline.Format(time.RFC3339),
		"state":    tx.State.String(),
	})

	if err := res.Commit(ctx, tx, eb.events); err != nil {
		// The deposit landed but the record did not; send it back.
		if refundErr := gw.Transfer(ctx, caller, req.Amount); refundErr != nil {
			s.log(ctx).Error("CRITICAL: deposit taken but escrow not recorded and refund failed",
				"sender", caller.String(), "amount", req.Amount, "commit_error", err, "refund_error", refundErr)
		}
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	committed = true

	s.log(ctx).Info("escrow created", "id", tx.ID, "sender", tx.Sender.String(),
		"recipient", tx.Recipient.String(), "amount", tx.Amount, "deadline", tx.Deadline)
	s.publish(ctx, eb.events)
	return tx.Clone(), nil
}

// depositUnconfirmed records a deposit that was sent but never seen to
// land. No transaction is created; the event lets an operator match the
// pull against the ledger and refund it.
func (s *Service) depositUnconfirmed(ctx context.Context, caller address.Address, req CreateRequest, now time.Time, cause error) error {
	eb := &eventBuilder{mode: s.cfg.EventPayload, now: now}
	eb.add(EventReconciliationRequired, nil, map[string]string{
		"stage":     "deposit",
		"sender":    caller.String(),
		"recipient": req.Recipient.String(),
		"amount":    fmtUnits(req.Amount),
	}, map[string]string{"error": cause.Error()})

	s.log(ctx).Error("CRITICAL: deposit outcome unknown, reconcile manually",
		"sender", caller.String(), "amount", req.Amount, "error", cause)
	if err := s.store.RecordEvents(ctx, eb.events); err != nil {
		s.log(ctx).Error("CRITICAL: unconfirmed deposit not recorded", "sender", caller.String(), "error", err)
	}
	s.publish(ctx, eb.events)
	return fmt.Errorf("%w: deposit: %v", ErrReconciliationRequired, cause)
}

// checkFunding verifies balance and allowance before any value moves.
func (s *Service) checkFunding(ctx context.Context, gw TokenGateway, sender address.Address, amount uint64) error {
	bal, err := gw.BalanceOf(ctx, sender)
	if err != nil {
		return fmt.Errorf("%w: balance: %v", ErrTransferFailed, err)
	}
	if bal < amount {
		return fmt.Errorf("%w: balance %d below amount %d", ErrTransferFailed, bal, amount)
	}
	allowed, err := gw.Allowance(ctx, sender, gw.Custody())
	if err != nil {
		return fmt.Errorf("%w: allowance: %v", ErrTransferFailed, err)
	}
	if allowed < amount {
		return fmt.Errorf("%w: allowance %d below amount %d", ErrTransferFailed, allowed, amount)
	}
	return nil
}

// ConfirmDelivery is the recipient acknowledging delivery. It releases
// the funds immediately.
func (s *Service) ConfirmDelivery(ctx context.Context, caller address.Address, id uint64) (tx *Transaction, err error) {
	ctx, done := s.begin(ctx, "confirm_delivery", traces.EscrowID(id), traces.Caller(caller.String()))
	defer done(&err)

	return s.mutate(ctx, id, caller, []guard{callerIsRecipient, stateIs(StateAwaitingDelivery)},
		func(op *operation) error {
			op.tx.RecipientApproved = true
			op.events.add(EventDeliveryConfirmed, idRef(id), nil, map[string]string{
				"recipient": op.tx.Recipient.String(),
			})
			return s.settle(ctx, op, true)
		})
}

// ApproveRelease records the sender's approval and releases if the
// recipient has already approved.
func (s *Service) ApproveRelease(ctx context.Context, caller address.Address, id uint64) (tx *Transaction, err error) {
	ctx, done := s.begin(ctx, "approve_release", traces.EscrowID(id), traces.Caller(caller.String()))
	defer done(&err)

	return s.mutate(ctx, id, caller, []guard{callerIsSender, stateIs(StateAwaitingDelivery)},
		func(op *operation) error {
			op.tx.SenderApproved = true
			op.events.add(EventReleaseApproved, idRef(id), map[string]string{"by": caller.String()}, nil)
			if !op.tx.RecipientApproved {
				return op.unit.Put(ctx, op.tx)
			}
			return s.settle(ctx, op, true)
		})
}

// RaiseDispute freezes the transaction for the arbitrator.
func (s *Service) RaiseDispute(ctx context.Context, caller address.Address, id uint64) (tx *Transaction, err error) {
	ctx, done := s.begin(ctx, "raise_dispute", traces.EscrowID(id), traces.Caller(caller.String()))
	defer done(&err)

	return s.mutate(ctx, id, caller, []guard{callerIsParticipant, stateIs(StateAwaitingDelivery)},
		func(op *operation) error {
			op.tx.State = StateDisputed
			op.events.add(EventDisputeRaised, idRef(id), map[string]string{"raisedBy": caller.String()},
				map[string]string{"state": op.tx.State.String()})
			return op.unit.Put(ctx, op.tx)
		})
}

// ClaimRefundAfterDeadline returns the funds, less the fee, to the sender
// once the deadline has passed without delivery.
func (s *Service) ClaimRefundAfterDeadline(ctx context.Context, caller address.Address, id uint64) (tx *Transaction, err error) {
	ctx, done := s.begin(ctx, "claim_refund", traces.EscrowID(id), traces.Caller(caller.String()))
	defer done(&err)

	return s.mutate(ctx, id, caller, []guard{callerIsSender, stateIs(StateAwaitingDelivery), deadlinePassed},
		func(op *operation) error {
			return s.settle(ctx, op, false)
		})
}

// operation is the state of one mutate call.
type operation struct {
	unit     Unit
	tx       *Transaction
	chk      check
	events   *eventBuilder
	moved    bool // value left custody
	terminal string
	// incomplete is returned after commit when a payout only partly
	// landed or its outcome is unknown.
	incomplete error
}

// mutate runs guards then apply inside an exclusive unit on id, commits,
// and publishes. Any error before commit rolls the unit back.
func (s *Service) mutate(ctx context.Context, id uint64, caller address.Address, guards []guard, apply func(*operation) error) (*Transaction, error) {
	u, err := s.store.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = u.Rollback(ctx) }()

	now := s.now()
	op := &operation{
		unit:   u,
		tx:     u.Record(),
		events: &eventBuilder{mode: s.cfg.EventPayload, now: now},
	}
	op.chk = check{tx: op.tx, caller: caller, now: now, settings: s.Settings()}

	if err := runGuards(op.chk, guards...); err != nil {
		return nil, err
	}
	if err := apply(op); err != nil {
		return nil, err
	}

	if err := u.Commit(ctx, op.events.events); err != nil {
		if op.moved {
			s.log(ctx).Error("CRITICAL: escrow paid out but state commit failed, requires manual resolution",
				"id", id, "state", op.tx.State.String(), "error", err)
		}
		return nil, fmt.Errorf("commit transaction %d: %w", id, err)
	}

	if op.terminal != "" {
		metrics.EscrowSettlementsTotal.WithLabelValues(op.terminal).Inc()
		metrics.EscrowDuration.Observe(now.Sub(op.tx.CreatedAt).Seconds())
	}
	s.publish(ctx, op.events.events)
	return op.tx.Clone(), op.incomplete
}

// settle makes the transaction terminal, writes that into the unit, then
// pays the fee to the platform wallet and the remainder to the recipient
// (release) or sender (refund). A payout that failed before any value
// moved rolls the unit back. One that may have moved value keeps the
// terminal state, so a retry cannot pay twice, and is flagged for
// reconciliation.
func (s *Service) settle(ctx context.Context, op *operation, release bool) error {
	tx := op.tx
	fee, remainder, err := Split(tx.Amount, tx.Fee)
	if err != nil {
		return err
	}

	to := tx.Sender
	tx.State = StateRefunded
	if release {
		to = tx.Recipient
		tx.State = StateComplete
	}
	resolvedAt := op.chk.now
	tx.ResolvedAt = &resolvedAt

	if err := op.unit.Put(ctx, tx); err != nil {
		return err
	}

	legs := []Payout{{To: op.chk.settings.PlatformWallet, Amount: fee}, {To: to, Amount: remainder}}
	if paid, err := s.pay(ctx, legs); err != nil {
		if paid > 0 || token.MayHaveMoved(err) {
			s.keepIncomplete(ctx, op, "payout", to, remainder, paid, err)
			return nil
		}
		if rbErr := op.unit.Rollback(ctx); rbErr != nil {
			s.log(ctx).Error("rollback after failed payout", "id", tx.ID, "error", rbErr)
		}
		return fmt.Errorf("%w: payout of transaction %d: %v", ErrTransferFailed, tx.ID, err)
	}
	op.moved = true
	metrics.EscrowFeesCollected.Add(float64(fee))

	if release {
		op.terminal = "release"
		op.events.add(EventFundsReleased, idRef(tx.ID), map[string]string{
			"to":     to.String(),
			"amount": fmtUnits(remainder),
		}, map[string]string{"fee": fmtUnits(fee)})
	} else {
		op.terminal = "refund"
		op.events.add(EventTransactionRefunded, idRef(tx.ID), map[string]string{
			"amount": fmtUnits(remainder),
		}, map[string]string{"to": to.String(), "fee": fmtUnits(fee)})
	}

	s.log(ctx).Info("escrow settled", "id", tx.ID, "state", tx.State.String(),
		"to", to.String(), "payout", remainder, "fee", fee)
	return nil
}

// keepIncomplete leaves op's terminal state in the unit after a transfer
// that may have moved value, and records why. mutate commits it and
// returns ErrReconciliationRequired.
func (s *Service) keepIncomplete(ctx context.Context, op *operation, stage string, to address.Address, amount uint64, paid int, cause error) {
	tx := op.tx
	op.moved = true
	op.incomplete = fmt.Errorf("%w: %s of transaction %d: %v", ErrReconciliationRequired, stage, tx.ID, cause)
	op.events.add(EventReconciliationRequired, idRef(tx.ID), map[string]string{
		"stage":    stage,
		"to":       to.String(),
		"amount":   fmtUnits(amount),
		"paidLegs": strconv.Itoa(paid),
	}, map[string]string{"fee": fmtUnits(tx.Fee), "error": cause.Error()})
	s.log(ctx).Error("CRITICAL: transfer outcome incomplete, state kept terminal, reconcile manually",
		"id", tx.ID, "stage", stage, "state", tx.State.String(), "paid_legs", paid, "error", cause)
}

// pay moves legs out of custody, atomically when the gateway can. It
// returns how many non-empty legs are known to have landed.
func (s *Service) pay(ctx context.Context, legs []Payout) (int, error) {
	gw := s.gw()
	if b, ok := gw.(BatchTransferer); ok {
		// A batch reports partial application through its error.
		return 0, b.TransferBatch(ctx, legs)
	}
	paid := 0
	for i, l := range legs {
		if l.Amount == 0 {
			continue
		}
		if err := gw.Transfer(ctx, l.To, l.Amount); err != nil {
			if paid > 0 {
				s.log(ctx).Error("CRITICAL: payout partially applied", "leg", i, "to", l.To.String(), "error", err)
			}
			return paid, err
		}
		paid++
	}
	return paid, nil
}

func (s *Service) publish(ctx context.Context, events []Event) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	s.publisher.Publish(ctx, events)
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id uint64) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// Count is the number of transactions ever created. The newest id is
// Count-1.
func (s *Service) Count(ctx context.Context) (uint64, error) {
	return s.store.Count(ctx)
}

// ListByParty returns transactions where party is sender or recipient,
// newest first.
func (s *Service) ListByParty(ctx context.Context, party address.Address, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, party, limit)
}

// ListClaimable returns transactions still awaiting delivery whose
// deadline has passed, earliest deadline first. Nothing is refunded
// automatically; the sender has to claim.
func (s *Service) ListClaimable(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListClaimable(ctx, s.now(), limit)
}

// Events returns the event history of a transaction, oldest first.
func (s *Service) Events(ctx context.Context, id uint64) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// CustodialBalance is the token balance held in custody.
func (s *Service) CustodialBalance(ctx context.Context) (uint64, error) {
	gw := s.gw()
	return gw.BalanceOf(ctx, gw.Custody())
}

// Custody is the custody account of the current gateway.
func (s *Service) Custody() address.Address {
	return s.gw().Custody()
}

// Stats summarises the ledger at the current time.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx, s.now())
}
