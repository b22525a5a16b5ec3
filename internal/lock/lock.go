// Package lock provides key-scoped mutual exclusion. The inserter uses it to
// serialize work on one content identifier.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrEmptyKey is returned when Lock is called with an empty key.
var ErrEmptyKey = errors.New("lock: empty key")

// Locker acquires exclusive locks on keys.
type Locker interface {
	// Lock blocks until the lock on key is held or ctx is done.
	// The returned release function must be called exactly once.
	Lock(ctx context.Context, key string) (release func(), err error)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem     chan struct{}
	waiters int
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock on key.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.waiters++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.forget(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.forget(key, kl)
		})
	}, nil
}

// forget drops the entry for key once nobody holds or waits for it.
func (l *MemoryLocker) forget(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.waiters--
	if kl.waiters == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
