package services

import "sync"

// KeyedMutex serializes work per key, e.g. per asset id.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex. Per-key locks are created on
// first use and dropped once nobody holds or waits for them.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *KeyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
