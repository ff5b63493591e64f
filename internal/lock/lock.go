// Package lock provides the owner-scoped critical section used by every
// credit mutation. Unrelated owners never contend on the same key.
package lock

import (
	"context"
	"errors"
)

// ErrLockTimeout is returned when the lock could not be acquired before the wait budget ran out.
var ErrLockTimeout = errors.New("lock_timeout")

// Release gives the lock back. It is safe to call more than once.
type Release func()

// OwnerLocker serializes work per key.
type OwnerLocker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}
