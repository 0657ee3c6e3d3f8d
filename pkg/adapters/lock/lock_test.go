package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aescanero/pipengine/pkg/adapters/lock/memory"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDo_ReleasesAfterError(t *testing.T) {
	locker := memory.NewLocker()
	ctx := context.Background()

	boom := errors.New("boom")
	err := Do(ctx, locker, zap.NewNop(), "x", time.Second, time.Minute, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	l, err := locker.Acquire(ctx, "x", 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
}

func TestDo_ReleasesAfterPanic(t *testing.T) {
	locker := memory.NewLocker()
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = Do(ctx, locker, zap.NewNop(), "x", time.Second, time.Minute, func(ctx context.Context) error {
			panic("boom")
		})
	})

	l, err := locker.Acquire(ctx, "x", 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
}

func TestDo_DoesNotRunWithoutLock(t *testing.T) {
	locker := memory.NewLocker()
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "x", 0, time.Minute)
	require.NoError(t, err)
	defer held.Release(ctx)

	ran := false
	err = Do(ctx, locker, zap.NewNop(), "x", 10*time.Millisecond, time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)
	assert.False(t, ran)
}
