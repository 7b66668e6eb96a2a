package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeTx(id uint64) *Transaction {
	return &Transaction{
		ID:        id,
		Sender:    alice,
		Recipient: bob,
		Amount:    10_000_000,
		Fee:       DefaultFee,
		State:     StateAwaitingDelivery,
		CreatedAt: epoch,
		Deadline:  epoch.Add(time.Hour),
	}
}

func commitNew(t *testing.T, m *MemoryStore) *Transaction {
	t.Helper()
	res, err := m.Allocate(context.Background())
	require.NoError(t, err)
	tx := storeTx(res.ID())
	require.NoError(t, res.Commit(context.Background(), tx, nil))
	return tx
}

func TestMemoryStore_AllocationIsSerialized(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	res, err := m.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.ID())

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Allocate(blocked)
	require.ErrorIs(t, err, context.DeadlineExceeded, "second reservation waits")

	res.Release()
	res.Release() // idempotent

	again, err := m.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), again.ID(), "released id is reused")
	require.NoError(t, again.Commit(ctx, storeTx(0), nil))

	next, err := m.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.ID())
	assert.Error(t, next.Commit(ctx, storeTx(5), nil), "id must match the reservation")
	next.Release()
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	m := NewMemoryStore()
	commitNew(t, m)

	got, err := m.Get(context.Background(), 0)
	require.NoError(t, err)
	got.State = StateComplete

	again, err := m.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDelivery, again.State)

	_, err = m.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UnitRollbackRestores(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	commitNew(t, m)

	u, err := m.Acquire(ctx, 0)
	require.NoError(t, err)
	rec := u.Record()
	rec.State = StateComplete
	require.NoError(t, u.Put(ctx, rec))

	assert.Equal(t, StateComplete, u.Record().State)

	require.NoError(t, u.Rollback(ctx))
	restored, err := m.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDelivery, restored.State)

	assert.NoError(t, u.Rollback(ctx), "second rollback is a no-op")
	assert.Error(t, u.Put(ctx, rec), "finished unit rejects writes")
}

func TestMemoryStore_StagedWritesHiddenUntilCommit(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	commitNew(t, m)

	u, err := m.Acquire(ctx, 0)
	require.NoError(t, err)
	rec := u.Record()
	rec.State = StateComplete
	resolved := rec.CreatedAt.Add(time.Hour)
	rec.ResolvedAt = &resolved
	require.NoError(t, u.Put(ctx, rec))

	staged, err := m.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDelivery, staged.State)
	assert.Nil(t, staged.ResolvedAt)

	st, err := m.Stats(ctx, staged.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, st.AwaitingDelivery)
	assert.Zero(t, st.Complete)
	assert.Equal(t, staged.Amount, st.LockedUnits, "staged terminal state still counts as locked")

	require.NoError(t, u.Commit(ctx, nil))
	got, err := m.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State)
	require.NotNil(t, got.ResolvedAt)

	st, err = m.Stats(ctx, got.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Complete)
	assert.Zero(t, st.LockedUnits)
}

func TestMemoryStore_UnitIsExclusive(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	commitNew(t, m)
	commitNew(t, m)

	u, err := m.Acquire(ctx, 0)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(blocked, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := m.Acquire(ctx, 1)
	require.NoError(t, err, "other ids are independent")
	require.NoError(t, other.Commit(ctx, nil))

	ev := Event{ID: "e1", Type: EventDeliveryConfirmed, TransactionID: idRef(0)}
	require.NoError(t, u.Commit(ctx, []Event{ev}))
	require.NoError(t, u.Rollback(ctx), "rollback after commit is a no-op")

	events, err := m.Events(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []Event{ev}, events)

	next, err := m.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, next.Rollback(ctx))
	assert.Zero(t, m.locks.Held())

	_, err = m.Acquire(ctx, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Settings(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.LoadSettings(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	s := Settings{Owner: owner, Arbitrator: arbiter, PlatformWallet: platform, Fee: DefaultFee}
	require.NoError(t, m.SaveSettings(ctx, s, nil))

	got, err := m.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, s, *got)
}
