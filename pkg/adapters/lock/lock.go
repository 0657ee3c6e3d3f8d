package lock

import (
	"context"
	"time"

	"github.com/aescanero/pipengine/pkg/ports"
	"go.uber.org/zap"
)

// Do runs fn while holding the named lock. The lock is released on every
// exit path, panics included. Release uses a context detached from ctx so
// a cancelled caller still frees the lock.
func Do(ctx context.Context, locker ports.Locker, logger *zap.Logger, name string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	l, err := locker.Acquire(ctx, name, wait, lease)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release lock",
				zap.String("lock", name),
				zap.Error(err))
		}
	}()

	return fn(ctx)
}
