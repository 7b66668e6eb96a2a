package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/token"
	"github.com/mbd888/escrowd/internal/units"
)

var (
	owner     = address.MustParse("0x0000000000000000000000000000000000000a01")
	arbiter   = address.MustParse("0x0000000000000000000000000000000000000a02")
	platform  = address.MustParse("0x0000000000000000000000000000000000000a03")
	custody   = address.MustParse("0x0000000000000000000000000000000000000c00")
	alice     = address.MustParse("0xaaaa000000000000000000000000000000000001")
	bob       = address.MustParse("0xbbbb000000000000000000000000000000000002")
	carol     = address.MustParse("0xcccc000000000000000000000000000000000003")
	tokenAddr = address.MustParse("0x0000000000000000000000000000000000000d01")

	epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// flakyGateway wraps a ledger account without batch support, so payouts
// go leg by leg. onTransfer runs before every Transfer; a non-nil return
// fails that transfer.
type flakyGateway struct {
	acct *token.Account

	mu         sync.Mutex
	onTransfer func(to address.Address, amount uint64) error
	pullErr    error
}

func (g *flakyGateway) failTransfers(err error) {
	g.mu.Lock()
	g.onTransfer = func(address.Address, uint64) error { return err }
	g.mu.Unlock()
}

func (g *flakyGateway) setHook(fn func(to address.Address, amount uint64) error) {
	g.mu.Lock()
	g.onTransfer = fn
	g.mu.Unlock()
}

func (g *flakyGateway) Transfer(ctx context.Context, to address.Address, amount uint64) error {
	g.mu.Lock()
	hook := g.onTransfer
	g.mu.Unlock()
	if hook != nil {
		if err := hook(to, amount); err != nil {
			return err
		}
	}
	return g.acct.Transfer(ctx, to, amount)
}

func (g *flakyGateway) TransferFrom(ctx context.Context, from, to address.Address, amount uint64) error {
	if g.pullErr != nil {
		return g.pullErr
	}
	return g.acct.TransferFrom(ctx, from, to, amount)
}

func (g *flakyGateway) BalanceOf(ctx context.Context, a address.Address) (uint64, error) {
	return g.acct.BalanceOf(ctx, a)
}

func (g *flakyGateway) Allowance(ctx context.Context, o, s address.Address) (uint64, error) {
	return g.acct.Allowance(ctx, o, s)
}

func (g *flakyGateway) Custody() address.Address { return g.acct.Custody() }

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, events []Event) {
	p.mu.Lock()
	p.events = append(p.events, events...)
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) last() Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	t      *testing.T
	ctx    context.Context
	svc    *Service
	store  *MemoryStore
	ledger *token.MemoryLedger
	gw     *flakyGateway
	clock  *fakeClock
	pub    *recordingPublisher
}

type fixtureOption func(*Config, *[]Option)

func withConfig(fn func(*Config)) fixtureOption {
	return func(c *Config, _ *[]Option) { fn(c) }
}

func withOptions(opts ...Option) fixtureOption {
	return func(_ *Config, o *[]Option) { *o = append(*o, opts...) }
}

func newFixture(t *testing.T, fopts ...fixtureOption) *fixture {
	t.Helper()

	ledger := token.NewMemoryLedger()
	require.NoError(t, ledger.Mint(alice, 1_000*units.One))
	require.NoError(t, ledger.Approve(alice, custody, 1_000*units.One))

	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  NewMemoryStore(),
		ledger: ledger,
		gw:     &flakyGateway{acct: ledger.Account(custody)},
		clock:  &fakeClock{now: epoch},
		pub:    &recordingPublisher{},
	}

	cfg := DefaultConfig()
	opts := []Option{WithClock(f.clock.Now), WithPublisher(f.pub)}
	for _, fo := range fopts {
		fo(&cfg, &opts)
	}

	svc, err := NewService(f.store, f.gw, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, svc.Init(f.ctx, Settings{
		Owner:          owner,
		Arbitrator:     arbiter,
		PlatformWallet: platform,
		Token:          tokenAddr,
	}))
	f.svc = svc
	return f
}

func (f *fixture) create(amount uint64) *Transaction {
	f.t.Helper()
	tx, err := f.svc.Create(f.ctx, alice, CreateRequest{
		Recipient: bob,
		Amount:    amount,
		Deadline:  f.clock.Now().Add(48 * time.Hour),
	})
	require.NoError(f.t, err)
	return tx
}

func (f *fixture) balance(a address.Address) uint64 {
	f.t.Helper()
	b, err := f.ledger.BalanceOf(f.ctx, a)
	require.NoError(f.t, err)
	return b
}

// conserved asserts that no value was created or destroyed and that
// custody holds exactly the open amounts.
func (f *fixture) conserved() {
	f.t.Helper()
	var sum uint64
	for _, a := range []address.Address{owner, arbiter, platform, custody, alice, bob, carol} {
		sum += f.balance(a)
	}
	assert.Equal(f.t, f.ledger.TotalSupply(), sum, "total supply")

	st, err := f.svc.Stats(f.ctx)
	require.NoError(f.t, err)
	assert.Equal(f.t, st.LockedUnits, f.balance(custody), "custody holds open amounts")
}

func (f *fixture) state(id uint64) State {
	f.t.Helper()
	tx, err := f.svc.Get(f.ctx, id)
	require.NoError(f.t, err)
	return tx.State
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_LocksFunds(t *testing.T) {
	f := newFixture(t)

	tx := f.create(10 * units.One)

	assert.Equal(t, uint64(0), tx.ID)
	assert.Equal(t, alice, tx.Sender)
	assert.Equal(t, bob, tx.Recipient)
	assert.Equal(t, StateAwaitingDelivery, tx.State)
	assert.Equal(t, DefaultFee, tx.Fee)
	assert.Equal(t, epoch, tx.CreatedAt)
	assert.Equal(t, epoch.Add(48*time.Hour), tx.Deadline)
	assert.False(t, tx.SenderApproved)
	assert.False(t, tx.RecipientApproved)
	assert.Nil(t, tx.ResolvedAt)

	assert.Equal(t, 990*units.One, f.balance(alice))
	assert.Equal(t, 10*units.One, f.balance(custody))

	n, err := f.svc.Count(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	ev := f.pub.last()
	assert.Equal(t, EventTransactionCreated, ev.Type)
	require.NotNil(t, ev.TransactionID)
	assert.Equal(t, uint64(0), *ev.TransactionID)
	assert.Equal(t, alice.String(), ev.Data["sender"])
	assert.Equal(t, bob.String(), ev.Data["recipient"])
	assert.Equal(t, "10000000", ev.Data["amount"])
	assert.Equal(t, "5000000", ev.Data["fee"])
	f.conserved()
}

func TestCreate_IDsAreDense(t *testing.T) {
	f := newFixture(t)
	for i := uint64(0); i < 5; i++ {
		assert.Equal(t, i, f.create(6*units.One).ID)
	}
}

func TestCreate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		caller  address.Address
		req     func(now time.Time) CreateRequest
		cfg     func(*Config)
		setup   func(f *fixture)
		wantErr error
	}{
		{
			name:   "amount equals fee",
			caller: alice,
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Recipient: bob, Amount: 5 * units.One, Deadline: now.Add(time.Hour)}
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name:   "amount below fee",
			caller: alice,
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Recipient: bob, Amount: 1, Deadline: now.Add(time.Hour)}
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name:   "zero recipient",
			caller: alice,
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Amount: 10 * units.One, Deadline: now.Add(time.Hour)}
			},
			wantErr: ErrInvalidAddress,
		},
		{
			name:   "recipient is sender",
			caller: alice,
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Recipient: alice, Amount: 10 * units.One, Deadline: now.Add(time.Hour)}
			},
			wantErr: ErrInvalidAddress,
		},
		{
			name:   "deadline in the past",
			caller: alice,
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: now.Add(-time.Second)}
			},
			wantErr: ErrInvalidDeadline,
		},
		{
			name:   "deadline equals now",
			caller: alice,
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: now}
			},
			wantErr: ErrInvalidDeadline,
		},
		{
			name:   "deadline missing",
			caller: alice,
			req: func(time.Time) CreateRequest {
				return CreateRequest{Recipient: bob, Amount: 10 * units.One}
			},
			wantErr: ErrInvalidDeadline,
		},
		{
			name:   "deadline beyond max window",
			caller: alice,
			cfg:    func(c *Config) { c.MaxWindow = 24 * time.Hour },
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: now.Add(25 * time.Hour)}
			},
			wantErr: ErrInvalidDeadline,
		},
		{
			name:   "above amount ceiling",
			caller: alice,
			cfg:    func(c *Config) { c.MaxAmount = 100 * units.One },
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Recipient: bob, Amount: 101 * units.One, Deadline: now.Add(time.Hour)}
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name:   "insufficient balance",
			caller: carol,
			setup: func(f *fixture) {
				require.NoError(t, f.ledger.Approve(carol, custody, 100*units.One))
			},
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: now.Add(time.Hour)}
			},
			wantErr: ErrTransferFailed,
		},
		{
			name:   "insufficient allowance",
			caller: alice,
			setup: func(f *fixture) {
				require.NoError(t, f.ledger.Approve(alice, custody, 9*units.One))
			},
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: now.Add(time.Hour)}
			},
			wantErr: ErrTransferFailed,
		},
		{
			name:   "zero sender",
			caller: address.Zero,
			req: func(now time.Time) CreateRequest {
				return CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: now.Add(time.Hour)}
			},
			wantErr: ErrInvalidAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []fixtureOption
			if tt.cfg != nil {
				opts = append(opts, withConfig(tt.cfg))
			}
			f := newFixture(t, opts...)
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := f.svc.Create(f.ctx, tt.caller, tt.req(f.clock.Now()))
			require.ErrorIs(t, err, tt.wantErr)

			n, err := f.svc.Count(f.ctx)
			require.NoError(t, err)
			assert.Zero(t, n, "nothing recorded")
			assert.Equal(t, 1_000*units.One, f.balance(alice), "nothing moved")
			assert.Zero(t, f.balance(custody))
			assert.Empty(t, f.pub.types())
		})
	}
}

func TestCreate_FixedDeadlineIgnoresRequest(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) { c.DeadlineMode = DeadlineFixed }))

	tx, err := f.svc.Create(f.ctx, alice, CreateRequest{
		Recipient: bob,
		Amount:    10 * units.One,
		Deadline:  epoch.Add(-time.Hour), // would be rejected in explicit mode
	})
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(DefaultFixedWindow), tx.Deadline)
}

func TestCreate_DeadlineTruncatedToSeconds(t *testing.T) {
	f := newFixture(t)

	tx, err := f.svc.Create(f.ctx, alice, CreateRequest{
		Recipient: bob,
		Amount:    10 * units.One,
		Deadline:  epoch.Add(time.Hour + 750*time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), tx.Deadline)
}

func TestCreate_MinimalPayload(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) { c.EventPayload = PayloadMinimal }))

	f.create(10 * units.One)

	ev := f.pub.last()
	assert.Equal(t, EventTransactionCreated, ev.Type)
	assert.Equal(t, "10000000", ev.Data["amount"])
	assert.NotContains(t, ev.Data, "fee")
	assert.NotContains(t, ev.Data, "deadline")
}

func TestCreate_ReleasesReservationOnTransferFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.pullErr = errors.New("broadcast rejected")

	ctx, cancel := context.WithTimeout(f.ctx, time.Second)
	defer cancel()

	_, err := f.svc.Create(ctx, alice, CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: epoch.Add(time.Hour)})
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, 1_000*units.One, f.balance(alice))

	// The next create must not block on a leaked reservation, and the id
	// is not consumed.
	f.gw.pullErr = nil
	tx, err := f.svc.Create(ctx, alice, CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: epoch.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tx.ID)
}

// ---------------------------------------------------------------------------
// Lifecycle scenarios
// ---------------------------------------------------------------------------

func TestScenario_ConfirmDeliveryReleases(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10_000_000)

	done, err := f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	require.NoError(t, err)

	assert.Equal(t, StateComplete, done.State)
	assert.True(t, done.RecipientApproved)
	require.NotNil(t, done.ResolvedAt)
	assert.Equal(t, epoch, *done.ResolvedAt)
	assert.Equal(t, uint64(5_000_000), f.balance(platform))
	assert.Equal(t, uint64(5_000_000), f.balance(bob))
	assert.Zero(t, f.balance(custody))

	assert.Equal(t, []EventType{EventTransactionCreated, EventDeliveryConfirmed, EventFundsReleased}, f.pub.types())
	released := f.pub.last()
	assert.Equal(t, bob.String(), released.Data["to"])
	assert.Equal(t, "5000000", released.Data["amount"])
	f.conserved()
}

func TestScenario_DisputeResolvedForSender(t *testing.T) {
	f := newFixture(t)
	tx := f.create(20 * units.One)

	disputed, err := f.svc.RaiseDispute(f.ctx, bob, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDisputed, disputed.State)

	resolved, err := f.svc.ResolveDispute(f.ctx, arbiter, tx.ID, false)
	require.NoError(t, err)

	assert.Equal(t, StateRefunded, resolved.State)
	assert.True(t, resolved.ArbitratorVoted)
	assert.False(t, resolved.ArbitratorDecision)
	assert.Equal(t, 1_000*units.One-5*units.One, f.balance(alice), "sender gets amount minus fee")
	assert.Equal(t, 5*units.One, f.balance(platform))
	assert.Zero(t, f.balance(bob))
	assert.Equal(t, []EventType{
		EventTransactionCreated, EventDisputeRaised, EventDisputeResolved, EventTransactionRefunded,
	}, f.pub.types())
	f.conserved()
}

func TestScenario_DisputeResolvedForRecipient(t *testing.T) {
	f := newFixture(t)
	tx := f.create(20 * units.One)

	_, err := f.svc.RaiseDispute(f.ctx, alice, tx.ID)
	require.NoError(t, err)

	resolved, err := f.svc.ResolveDispute(f.ctx, arbiter, tx.ID, true)
	require.NoError(t, err)

	assert.Equal(t, StateComplete, resolved.State)
	assert.True(t, resolved.ArbitratorDecision)
	assert.Equal(t, 15*units.One, f.balance(bob))
	f.conserved()
}

func TestScenario_AmountEqualToFeeRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(f.ctx, alice, CreateRequest{
		Recipient: bob,
		Amount:    f.svc.Settings().Fee,
		Deadline:  epoch.Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestScenario_DeadlineBoundary(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)

	f.clock.Set(tx.Deadline.Add(-time.Second))
	_, err := f.svc.ClaimRefundAfterDeadline(f.ctx, alice, tx.ID)
	require.ErrorIs(t, err, ErrDeadlineNotPassed)

	f.clock.Set(tx.Deadline)
	_, err = f.svc.ClaimRefundAfterDeadline(f.ctx, alice, tx.ID)
	require.ErrorIs(t, err, ErrDeadlineNotPassed, "the deadline instant is not past")

	f.clock.Set(tx.Deadline.Add(time.Second))
	refunded, err := f.svc.ClaimRefundAfterDeadline(f.ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, refunded.State)
	assert.Equal(t, 995*units.One, f.balance(alice))
	f.conserved()
}

func TestApproveRelease_RecordsApprovalOnly(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)

	approved, err := f.svc.ApproveRelease(f.ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDelivery, approved.State)
	assert.True(t, approved.SenderApproved)
	assert.Equal(t, 10*units.One, f.balance(custody))

	// Approving again keeps the flag set.
	again, err := f.svc.ApproveRelease(f.ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.True(t, again.SenderApproved)

	done, err := f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, done.State)
	assert.True(t, done.SenderApproved, "approval is never cleared")
	f.conserved()
}

func TestApproveRelease_ReleasesWhenRecipientApproved(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)

	// A recipient approval recorded without release.
	u, err := f.store.Acquire(f.ctx, tx.ID)
	require.NoError(t, err)
	rec := u.Record()
	rec.RecipientApproved = true
	require.NoError(t, u.Put(f.ctx, rec))
	require.NoError(t, u.Commit(f.ctx, nil))

	done, err := f.svc.ApproveRelease(f.ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, done.State)
	assert.Equal(t, 5*units.One, f.balance(bob))
	f.conserved()
}

func TestFeeIsSnapshottedAtCreation(t *testing.T) {
	f := newFixture(t)
	tx := f.create(20 * units.One)

	_, err := f.svc.SetFee(f.ctx, owner, 10*units.One)
	require.NoError(t, err)

	_, err = f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 5*units.One, f.balance(platform))
	assert.Equal(t, 15*units.One, f.balance(bob))

	next := f.create(20 * units.One)
	assert.Equal(t, 10*units.One, next.Fee)
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestAuthorization(t *testing.T) {
	type op func(f *fixture, caller address.Address, id uint64) error
	confirm := func(f *fixture, c address.Address, id uint64) error {
		_, err := f.svc.ConfirmDelivery(f.ctx, c, id)
		return err
	}
	approve := func(f *fixture, c address.Address, id uint64) error {
		_, err := f.svc.ApproveRelease(f.ctx, c, id)
		return err
	}
	dispute := func(f *fixture, c address.Address, id uint64) error {
		_, err := f.svc.RaiseDispute(f.ctx, c, id)
		return err
	}
	refund := func(f *fixture, c address.Address, id uint64) error {
		_, err := f.svc.ClaimRefundAfterDeadline(f.ctx, c, id)
		return err
	}
	emergency := func(f *fixture, c address.Address, id uint64) error {
		_, err := f.svc.EmergencyWithdraw(f.ctx, c, id)
		return err
	}

	tests := []struct {
		name   string
		op     op
		caller address.Address
	}{
		{"sender cannot confirm", confirm, alice},
		{"arbitrator cannot confirm", confirm, arbiter},
		{"stranger cannot confirm", confirm, carol},
		{"recipient cannot approve", approve, bob},
		{"stranger cannot approve", approve, carol},
		{"stranger cannot dispute", dispute, carol},
		{"owner cannot dispute", dispute, owner},
		{"recipient cannot claim refund", refund, bob},
		{"stranger cannot claim refund", refund, carol},
		{"sender cannot emergency withdraw", emergency, alice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tx := f.create(10 * units.One)
			f.clock.Advance(100 * 24 * time.Hour) // past every deadline gate

			err := tt.op(f, tt.caller, tx.ID)
			require.ErrorIs(t, err, ErrUnauthorized)
			assert.Equal(t, StateAwaitingDelivery, f.state(tx.ID))
			assert.Equal(t, 10*units.One, f.balance(custody))
		})
	}
}

func TestResolveDispute_Guards(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)

	_, err := f.svc.ResolveDispute(f.ctx, arbiter, tx.ID, true)
	require.ErrorIs(t, err, ErrInvalidState, "not disputed yet")

	_, err = f.svc.RaiseDispute(f.ctx, arbiter, tx.ID)
	require.NoError(t, err, "arbitrator may raise a dispute")

	_, err = f.svc.ResolveDispute(f.ctx, owner, tx.ID, true)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.ResolveDispute(f.ctx, bob, tx.ID, true)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.ResolveDispute(f.ctx, arbiter, tx.ID, true)
	require.NoError(t, err)

	_, err = f.svc.ResolveDispute(f.ctx, arbiter, tx.ID, false)
	require.ErrorIs(t, err, ErrInvalidState, "one decision per transaction")
	f.conserved()
}

func TestDisputed_BlocksNormalPaths(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)
	_, err := f.svc.RaiseDispute(f.ctx, alice, tx.ID)
	require.NoError(t, err)
	f.clock.Set(tx.Deadline.Add(time.Hour))

	_, err = f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.ApproveRelease(f.ctx, alice, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.RaiseDispute(f.ctx, bob, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.ClaimRefundAfterDeadline(f.ctx, alice, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestNoDoublePayout(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)
	_, err := f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	require.NoError(t, err)
	f.clock.Set(tx.Deadline.Add(time.Hour))

	before := f.balance(bob)
	_, err = f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.ApproveRelease(f.ctx, alice, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.RaiseDispute(f.ctx, alice, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.ClaimRefundAfterDeadline(f.ctx, alice, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, before, f.balance(bob))
	assert.Zero(t, f.balance(custody))
	f.conserved()
}

func TestConcurrentConfirm_PaysOnce(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidState):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)
	assert.Equal(t, 5*units.One, f.balance(bob))
	f.conserved()
}

func TestConcurrentCreate_DistinctIDs(t *testing.T) {
	f := newFixture(t)

	const n = 20
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := f.svc.Create(f.ctx, alice, CreateRequest{
				Recipient: bob, Amount: 10 * units.One, Deadline: epoch.Add(time.Hour),
			})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids <- tx.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
	for i := uint64(0); i < n; i++ {
		assert.True(t, seen[i], "id %d missing", i)
	}
	f.conserved()
}

func TestFundConservation_MixedOutcomes(t *testing.T) {
	f := newFixture(t)

	released := f.create(10 * units.One)
	disputed := f.create(30 * units.One)
	expired := f.create(7 * units.One)
	open := f.create(12 * units.One)

	_, err := f.svc.ConfirmDelivery(f.ctx, bob, released.ID)
	require.NoError(t, err)
	f.conserved()

	_, err = f.svc.RaiseDispute(f.ctx, bob, disputed.ID)
	require.NoError(t, err)
	f.conserved()

	f.clock.Set(expired.Deadline.Add(time.Second))
	_, err = f.svc.ClaimRefundAfterDeadline(f.ctx, alice, expired.ID)
	require.NoError(t, err)
	f.conserved()

	_, err = f.svc.ResolveDispute(f.ctx, arbiter, disputed.ID, true)
	require.NoError(t, err)
	f.conserved()

	assert.Equal(t, open.Amount, f.balance(custody))
	assert.Equal(t, 15*units.One, f.balance(platform), "three settlements at 5 each")
}

// ---------------------------------------------------------------------------
// Atomicity
// ---------------------------------------------------------------------------

func TestSettlement_RollsBackOnTransferFailure(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)
	f.gw.failTransfers(errors.New("rpc unavailable"))

	_, err := f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	require.ErrorIs(t, err, ErrTransferFailed)

	got, err := f.svc.Get(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDelivery, got.State)
	assert.False(t, got.RecipientApproved)
	assert.Nil(t, got.ResolvedAt)
	assert.Equal(t, 10*units.One, f.balance(custody))
	assert.Zero(t, f.balance(bob))

	events, err := f.svc.Events(f.ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 1, "failed operation records no events")
	assert.Equal(t, []EventType{EventTransactionCreated}, f.pub.types())

	f.gw.setHook(nil)
	done, err := f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	require.NoError(t, err, "retry after the gateway recovers")
	assert.Equal(t, StateComplete, done.State)
	f.conserved()
}

func TestRefund_RollsBackOnTransferFailure(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)
	_, err := f.svc.RaiseDispute(f.ctx, alice, tx.ID)
	require.NoError(t, err)
	f.gw.failTransfers(errors.New("out of energy"))

	_, err = f.svc.ResolveDispute(f.ctx, arbiter, tx.ID, false)
	require.ErrorIs(t, err, ErrTransferFailed)

	got, err := f.svc.Get(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDisputed, got.State)
	assert.False(t, got.ArbitratorVoted, "vote is undone with the state")
	f.conserved()
}

func TestSettlement_SecondLegFailureKeepsTerminalState(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)
	f.gw.setHook(func(to address.Address, _ uint64) error {
		if to == bob {
			return errors.New("rpc unavailable")
		}
		return nil
	})

	got, err := f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	require.ErrorIs(t, err, ErrReconciliationRequired)
	assert.NotErrorIs(t, err, ErrTransferFailed)
	require.NotNil(t, got)
	assert.Equal(t, StateComplete, got.State)
	assert.Equal(t, StateComplete, f.state(tx.ID))
	assert.Equal(t, 5*units.One, f.balance(platform))
	assert.Zero(t, f.balance(bob))

	events, err := f.svc.Events(f.ctx, tx.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, EventReconciliationRequired, last.Type)
	assert.Equal(t, "payout", last.Data["stage"])
	assert.Equal(t, "1", last.Data["paidLegs"])
	assert.Equal(t, bob.String(), last.Data["to"])
	assert.Equal(t, EventReconciliationRequired, f.pub.last().Type)

	// A retry after the gateway recovers cannot pay the fee again.
	f.gw.setHook(nil)
	_, err = f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 5*units.One, f.balance(platform), "fee paid once")
	assert.Equal(t, 5*units.One, f.balance(custody), "unpaid leg stays for reconciliation")
}

func TestSettlement_UnconfirmedTransferIsNotRolledBack(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)
	_, err := f.svc.RaiseDispute(f.ctx, alice, tx.ID)
	require.NoError(t, err)
	f.gw.failTransfers(&token.TransferError{Op: "confirm", TxHash: "0xabc", Err: token.ErrUnconfirmed})

	_, err = f.svc.ResolveDispute(f.ctx, arbiter, tx.ID, false)
	require.ErrorIs(t, err, ErrReconciliationRequired)

	got, err := f.svc.Get(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, got.State)
	assert.True(t, got.ArbitratorVoted)
	assert.NotNil(t, got.ResolvedAt)

	f.gw.setHook(nil)
	_, err = f.svc.ResolveDispute(f.ctx, arbiter, tx.ID, true)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, f.balance(bob))
	assert.Zero(t, f.balance(platform))
}

// partialBatchGateway lands the first leg of a batch and fails the rest.
type partialBatchGateway struct {
	*flakyGateway
}

func (g partialBatchGateway) TransferBatch(ctx context.Context, legs []Payout) error {
	if err := g.acct.Transfer(ctx, legs[0].To, legs[0].Amount); err != nil {
		return err
	}
	return &token.TransferError{Op: "batch", Err: fmt.Errorf("%w: leg 1: out of energy", token.ErrPartialSettlement)}
}

func TestSettlement_PartialBatchKeepsTerminalState(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)
	f.svc.mu.Lock()
	f.svc.gateway = partialBatchGateway{f.gw}
	f.svc.mu.Unlock()

	_, err := f.svc.ClaimRefundAfterDeadline(f.ctx, alice, tx.ID)
	require.ErrorIs(t, err, ErrDeadlineNotPassed)

	f.clock.Advance(49 * time.Hour)
	_, err = f.svc.ClaimRefundAfterDeadline(f.ctx, alice, tx.ID)
	require.ErrorIs(t, err, ErrReconciliationRequired)
	assert.Equal(t, StateRefunded, f.state(tx.ID))
	assert.Equal(t, 5*units.One, f.balance(platform))

	_, err = f.svc.ClaimRefundAfterDeadline(f.ctx, alice, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 5*units.One, f.balance(platform), "fee paid once")
}

func TestCreate_UnconfirmedDepositIsFlagged(t *testing.T) {
	f := newFixture(t)
	f.gw.pullErr = &token.TransferError{Op: "confirm", TxHash: "0xdef", Err: token.ErrUnconfirmed}

	_, err := f.svc.Create(f.ctx, alice, CreateRequest{
		Recipient: bob,
		Amount:    10 * units.One,
		Deadline:  f.clock.Now().Add(48 * time.Hour),
	})
	require.ErrorIs(t, err, ErrReconciliationRequired)
	assert.NotErrorIs(t, err, ErrTransferFailed)

	n, err := f.svc.Count(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no transaction recorded")

	ev := f.pub.last()
	assert.Equal(t, EventReconciliationRequired, ev.Type)
	assert.Nil(t, ev.TransactionID)
	assert.Equal(t, "deposit", ev.Data["stage"])
	assert.Equal(t, alice.String(), ev.Data["sender"])
	assert.Equal(t, fmtUnits(10*units.One), ev.Data["amount"])
}

func TestCreate_FailedDepositIsClean(t *testing.T) {
	f := newFixture(t)
	f.gw.pullErr = &token.TransferError{Op: "confirm", TxHash: "0xdef", Err: token.ErrTransactionFailed}

	_, err := f.svc.Create(f.ctx, alice, CreateRequest{
		Recipient: bob,
		Amount:    10 * units.One,
		Deadline:  f.clock.Now().Add(48 * time.Hour),
	})
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Empty(t, f.pub.types())
}

func TestSettlement_ReentrantCallBlockedDuringTransfer(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)

	var (
		observed  State
		reentrant error
	)
	f.gw.setHook(func(to address.Address, _ uint64) error {
		if to != platform {
			return nil
		}
		got, err := f.store.Get(f.ctx, tx.ID)
		if err != nil {
			return err
		}
		observed = got.State

		// A re-entrant call on the same transaction cannot get in.
		ctx, cancel := context.WithTimeout(f.ctx, 50*time.Millisecond)
		defer cancel()
		_, reentrant = f.svc.ConfirmDelivery(ctx, bob, tx.ID)
		return nil
	})

	_, err := f.svc.ConfirmDelivery(f.ctx, bob, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDelivery, observed, "staged state is not visible before commit")
	assert.ErrorIs(t, reentrant, context.DeadlineExceeded)
	assert.Equal(t, 5*units.One, f.balance(bob), "paid once")
	f.conserved()
}

func TestSettlement_UsesBatchWhenAvailable(t *testing.T) {
	ledger := token.NewMemoryLedger()
	require.NoError(t, ledger.Mint(alice, 100*units.One))
	require.NoError(t, ledger.Approve(alice, custody, 100*units.One))
	acct := ledger.Account(custody)

	clock := &fakeClock{now: epoch}
	svc, err := NewService(NewMemoryStore(), acct, DefaultConfig(), WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, svc.Init(context.Background(), Settings{
		Owner: owner, Arbitrator: arbiter, PlatformWallet: platform, Token: tokenAddr,
	}))

	tx, err := svc.Create(context.Background(), alice, CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: epoch.Add(time.Hour)})
	require.NoError(t, err)
	_, err = svc.ConfirmDelivery(context.Background(), bob, tx.ID)
	require.NoError(t, err)

	paid, _ := ledger.BalanceOf(context.Background(), bob)
	fee, _ := ledger.BalanceOf(context.Background(), platform)
	assert.Equal(t, 5*units.One, paid)
	assert.Equal(t, 5*units.One, fee)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Get(f.ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.ConfirmDelivery(f.ctx, bob, 7)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Events(f.ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.RefundEligibility(f.ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvents_History(t *testing.T) {
	f := newFixture(t)
	tx := f.create(10 * units.One)
	_, err := f.svc.RaiseDispute(f.ctx, bob, tx.ID)
	require.NoError(t, err)
	_, err = f.svc.ResolveDispute(f.ctx, arbiter, tx.ID, true)
	require.NoError(t, err)

	events, err := f.svc.Events(f.ctx, tx.ID)
	require.NoError(t, err)

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
		assert.NotEmpty(t, e.ID)
	}
	assert.Equal(t, []EventType{
		EventTransactionCreated, EventDisputeRaised, EventDisputeResolved, EventFundsReleased,
	}, types)
	assert.Equal(t, "true", events[2].Data["releasedToRecipient"])
	assert.Equal(t, bob.String(), events[1].Data["raisedBy"])
}

func TestListByParty(t *testing.T) {
	f := newFixture(t)
	first := f.create(10 * units.One)
	second := f.create(11 * units.One)

	forBob, err := f.svc.ListByParty(f.ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, forBob, 2)
	assert.Equal(t, second.ID, forBob[0].ID, "newest first")
	assert.Equal(t, first.ID, forBob[1].ID)

	forCarol, err := f.svc.ListByParty(f.ctx, carol, 10)
	require.NoError(t, err)
	assert.Empty(t, forCarol)

	limited, err := f.svc.ListByParty(f.ctx, alice, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListClaimable(t *testing.T) {
	f := newFixture(t)
	late, err := f.svc.Create(f.ctx, alice, CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: epoch.Add(2 * time.Hour)})
	require.NoError(t, err)
	early, err := f.svc.Create(f.ctx, alice, CreateRequest{Recipient: bob, Amount: 10 * units.One, Deadline: epoch.Add(time.Hour)})
	require.NoError(t, err)
	f.create(10 * units.One) // deadline in 48h

	f.clock.Set(epoch.Add(3 * time.Hour))
	txs, err := f.svc.ListClaimable(f.ctx, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, early.ID, txs[0].ID)
	assert.Equal(t, late.ID, txs[1].ID)
	assert.Equal(t, StateAwaitingDelivery, f.state(early.ID), "listing changes nothing")
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	a := f.create(10 * units.One)
	b := f.create(20 * units.One)
	f.create(30 * units.One)

	_, err := f.svc.ConfirmDelivery(f.ctx, bob, a.ID)
	require.NoError(t, err)
	_, err = f.svc.RaiseDispute(f.ctx, bob, b.ID)
	require.NoError(t, err)

	f.clock.Advance(49 * time.Hour)
	st, err := f.svc.Stats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Total:            3,
		AwaitingDelivery: 1,
		Disputed:         1,
		Complete:         1,
		LockedUnits:      50 * units.One,
		Expired:          1,
	}, st)
}

func TestNewService_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
	}{
		{"unknown deadline mode", func(c *Config) { c.DeadlineMode = "weekly" }},
		{"fixed without window", func(c *Config) { c.DeadlineMode = DeadlineFixed; c.FixedWindow = 0 }},
		{"unknown payload", func(c *Config) { c.EventPayload = "verbose" }},
		{"negative grace", func(c *Config) { c.EmergencyGrace = -time.Hour }},
		{"zero min fee", func(c *Config) { c.Fees.Min = 0 }},
		{"inverted bounds", func(c *Config) { c.Fees = FeePolicy{Min: 10, Max: 5} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.cfg(&cfg)
			_, err := NewService(NewMemoryStore(), nil, cfg)
			assert.Error(t, err)
		})
	}
}
