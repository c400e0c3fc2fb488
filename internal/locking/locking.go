// Package locking provides the cross-process mutual exclusion seam for
// the pool. Callers acquire a named exclusive lock and get back a
// release func to defer; the backend is either an advisory file lock
// (works everywhere, no extra infrastructure) or redis (for fleets
// that already run one).
package locking

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired within
// the caller's deadline.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Locker grants exclusive, cross-process named locks. Acquire blocks
// until the lock is held or ctx is done. The returned release func is
// safe to call exactly once and must be called on every exit path.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// AcquireTimeout acquires name with a bounded wait, mapping a deadline
// miss to ErrLockTimeout.
func AcquireTimeout(l Locker, name string, timeout time.Duration) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	release, err := l.Acquire(ctx, name)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	return release, nil
}

// retryBackoff returns the wait before retry attempt n (0-based):
// exponential with jitter, capped at 500ms.
func retryBackoff(n int) time.Duration {
	d := 25 * time.Millisecond << uint(n)
	if d > 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	// up to 50% jitter so herds of waiters spread out
	j := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + j
}
