// Package locker serializes command handling per aggregate id. Optimistic
// version checks in the repositories remain the correctness backstop; the
// locker keeps concurrent writers from burning retries against each other.
package locker

import "context"

// Locker acquires an exclusive lock for a key. Acquire blocks until the lock
// is held or the context is done. The returned release function must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
