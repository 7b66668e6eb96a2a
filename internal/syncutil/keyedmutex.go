// Package syncutil provides locking primitives shared by the stores.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one exclusive lock per key. Waiters can bail out
// when their context is cancelled. Entries are reference counted and
// dropped once no goroutine holds or waits on them, so memory stays
// proportional to contention rather than to the number of keys ever seen.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

// entry is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type entry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{locks: make(map[K]*entry)}
}

// LockContext acquires the lock for key. On success it returns an unlock
// function the caller MUST call exactly once. On cancellation it returns
// nil and the context error.
func (m *KeyedMutex[K]) LockContext(ctx context.Context, key K) (func(), error) {
	e := m.ref(key)

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				m.unref(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

// Held reports how many keys currently have holders or waiters.
func (m *KeyedMutex[K]) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex[K]) ref(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex[K]) unref(key K, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
