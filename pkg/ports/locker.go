package ports

import (
	"context"
	"time"
)

// Lock is a held, leased lock
type Lock interface {
	Name() string
	Release(ctx context.Context) error
}

// Locker grants named, leased locks shared by every worker. Acquire waits
// up to wait for the lock and returns an error wrapping
// domain.ErrLockNotAcquired when it cannot be granted. A lock whose holder
// vanishes is freed once lease elapses.
type Locker interface {
	Acquire(ctx context.Context, name string, wait, lease time.Duration) (Lock, error)
}
