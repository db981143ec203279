package service

import (
	"sync"

	"github.com/capitalize-ai/operator-relay/pkg/metrics"
)

// KeyedLocker hands out one mutex per visitor id. Entries are created on
// first use and dropped once nobody holds or waits for them, so idle
// visitors cost nothing and unrelated visitors never contend.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[uint64]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocker creates an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[uint64]*refLock)}
}

// Lock acquires the lock for id and returns the function that releases it.
// The returned function must be called exactly once.
func (k *KeyedLocker) Lock(id uint64) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
		metrics.ActiveVisitorLocks.Inc()
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			k.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(k.locks, id)
				metrics.ActiveVisitorLocks.Dec()
			}
			k.mu.Unlock()
		})
	}
}

// Len returns the number of live lock entries.
func (k *KeyedLocker) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
