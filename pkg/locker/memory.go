package locker

import (
	"context"
	"sync"
)

// MemoryLocker is an in-process keyed mutex. Suitable for tests and
// single-instance deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates a new in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]*keyLock),
	}
}

// Acquire blocks until the key's lock is free or the context is done.
func (l *MemoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()

	lock, exists := l.locks[key]
	if !exists {
		lock = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lock
	}

	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.put(key, lock)

		return nil, ctx.Err()
	}

	var once sync.Once

	release := func() {
		once.Do(func() {
			<-lock.ch
			l.put(key, lock)
		})
	}

	return release, nil
}

func (l *MemoryLocker) put(key string, lock *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}
