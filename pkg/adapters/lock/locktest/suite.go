// Package locktest holds the behaviour every ports.Locker adapter must share
package locktest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the shared locker checks
func Run(t *testing.T, newLocker func(t *testing.T) ports.Locker) {
	t.Run("acquire and release", func(t *testing.T) {
		locker := newLocker(t)
		ctx := context.Background()

		lock, err := locker.Acquire(ctx, "barrier:b1", time.Second, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "barrier:b1", lock.Name())
		require.NoError(t, lock.Release(ctx))

		again, err := locker.Acquire(ctx, "barrier:b1", 0, time.Minute)
		require.NoError(t, err)
		require.NoError(t, again.Release(ctx))
	})

	t.Run("held lock times out", func(t *testing.T) {
		locker := newLocker(t)
		ctx := context.Background()

		held, err := locker.Acquire(ctx, "unit", time.Second, time.Minute)
		require.NoError(t, err)
		defer held.Release(ctx)

		_, err = locker.Acquire(ctx, "unit", 50*time.Millisecond, time.Minute)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrLockNotAcquired)
		assert.True(t, domain.IsLockNotAcquired(err))

		var lockErr *domain.LockError
		require.True(t, errors.As(err, &lockErr))
		assert.Equal(t, "unit", lockErr.Name)
	})

	t.Run("different names do not contend", func(t *testing.T) {
		locker := newLocker(t)
		ctx := context.Background()

		a, err := locker.Acquire(ctx, "a", 0, time.Minute)
		require.NoError(t, err)
		b, err := locker.Acquire(ctx, "b", 0, time.Minute)
		require.NoError(t, err)
		require.NoError(t, a.Release(ctx))
		require.NoError(t, b.Release(ctx))
	})

	t.Run("stale handle cannot release a new holder", func(t *testing.T) {
		locker := newLocker(t)
		ctx := context.Background()

		first, err := locker.Acquire(ctx, "x", 0, time.Minute)
		require.NoError(t, err)
		require.NoError(t, first.Release(ctx))

		second, err := locker.Acquire(ctx, "x", 0, time.Minute)
		require.NoError(t, err)
		require.NoError(t, first.Release(ctx))

		_, err = locker.Acquire(ctx, "x", 0, time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockNotAcquired)
		require.NoError(t, second.Release(ctx))
	})

	t.Run("mutual exclusion", func(t *testing.T) {
		locker := newLocker(t)
		ctx := context.Background()

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			inside  int
			maxSeen int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lock, err := locker.Acquire(ctx, "shared", 10*time.Second, time.Minute)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				assert.NoError(t, lock.Release(ctx))
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxSeen)
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		locker := newLocker(t)
		held, err := locker.Acquire(context.Background(), "c", 0, time.Minute)
		require.NoError(t, err)
		defer held.Release(context.Background())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = locker.Acquire(ctx, "c", time.Minute, time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockNotAcquired)
	})
}
