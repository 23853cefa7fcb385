// Package lock provides per-key mutual exclusion with a bounded wait.
package lock

import (
	"context"
	"errors"
)

// ErrLockTimeout is returned when the wait bound elapses before the lock is
// acquired. Callers may retry.
var ErrLockTimeout = errors.New("lock wait timed out")

// ErrUnavailable is returned when the lock backend cannot be reached.
// Callers may retry.
var ErrUnavailable = errors.New("lock backend unavailable")

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker serialises work per key. Different keys never contend.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}
