package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/syncutil"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Records live in an arena indexed by id.
type MemoryStore struct {
	mu       sync.RWMutex
	arena    []*Transaction
	events   []Event
	settings *Settings

	alloc chan struct{} // one outstanding reservation at a time
	locks *syncutil.KeyedMutex[uint64]
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alloc: make(chan struct{}, 1),
		locks: syncutil.NewKeyedMutex[uint64](),
	}
}

func (m *MemoryStore) Allocate(ctx context.Context) (Reservation, error) {
	select {
	case m.alloc <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.RLock()
	id := uint64(len(m.arena))
	m.mu.RUnlock()
	return &memoryReservation{store: m, id: id}, nil
}

type memoryReservation struct {
	store *MemoryStore
	id    uint64
	once  sync.Once
}

func (r *memoryReservation) ID() uint64 { return r.id }

func (r *memoryReservation) Commit(_ context.Context, tx *Transaction, events []Event) error {
	if tx.ID != r.id {
		return fmt.Errorf("escrow: reservation %d used for transaction %d", r.id, tx.ID)
	}
	m := r.store
	m.mu.Lock()
	m.arena = append(m.arena, tx.Clone())
	m.events = append(m.events, events...)
	m.mu.Unlock()
	r.Release()
	return nil
}

func (r *memoryReservation) Release() {
	r.once.Do(func() { <-r.store.alloc })
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id >= uint64(len(m.arena)) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return m.arena[id].Clone(), nil
}

// Acquire locks id until the unit commits or rolls back. Staged records
// are visible to Get.
func (m *MemoryStore) Acquire(ctx context.Context, id uint64) (Unit, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	// Re-read under the lock.
	snapshot, err := m.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	return &memoryUnit{store: m, id: id, current: snapshot, unlock: unlock}, nil
}

// memoryUnit stages writes in current. Readers see nothing until Commit.
type memoryUnit struct {
	store   *MemoryStore
	id      uint64
	current *Transaction
	unlock  func()
	done    bool
}

func (u *memoryUnit) Record() *Transaction { return u.current.Clone() }

func (u *memoryUnit) Put(_ context.Context, tx *Transaction) error {
	if u.done {
		return fmt.Errorf("escrow: unit for %d already finished", u.id)
	}
	if tx.ID != u.id {
		return fmt.Errorf("escrow: unit for %d cannot write %d", u.id, tx.ID)
	}
	u.current = tx.Clone()
	return nil
}

func (u *memoryUnit) Commit(_ context.Context, events []Event) error {
	if u.done {
		return fmt.Errorf("escrow: unit for %d already finished", u.id)
	}
	u.store.mu.Lock()
	u.store.arena[u.id] = u.current.Clone()
	u.store.events = append(u.store.events, events...)
	u.store.mu.Unlock()
	u.finish()
	return nil
}

func (u *memoryUnit) Rollback(_ context.Context) error {
	if u.done {
		return nil
	}
	u.finish()
	return nil
}

func (u *memoryUnit) finish() {
	u.done = true
	u.unlock()
}

func (m *MemoryStore) Count(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.arena)), nil
}

func (m *MemoryStore) ListByParty(_ context.Context, party address.Address, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.arena) - 1; i >= 0 && len(result) < limit; i-- {
		tx := m.arena[i]
		if tx.Sender == party || tx.Recipient == party {
			result = append(result, tx.Clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) ListClaimable(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.arena {
		if tx.State == StateAwaitingDelivery && IsExpired(tx, now) {
			result = append(result, tx.Clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Deadline.Before(result[j].Deadline) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Events(_ context.Context, id uint64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Event
	for _, e := range m.events {
		if e.TransactionID != nil && *e.TransactionID == id {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *MemoryStore) RecordEvents(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryStore) LoadSettings(_ context.Context) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return nil, ErrNotFound
	}
	cp := *m.settings
	return &cp, nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, s Settings, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Total: uint64(len(m.arena))}
	for _, tx := range m.arena {
		switch tx.State {
		case StateAwaitingDelivery:
			st.AwaitingDelivery++
			st.LockedUnits += tx.Amount
			if IsExpired(tx, now) {
				st.Expired++
			}
		case StateDisputed:
			st.Disputed++
			st.LockedUnits += tx.Amount
		case StateComplete:
			st.Complete++
		case StateRefunded:
			st.Refunded++
		}
	}
	return st, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
