package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const retryInterval = 20 * time.Millisecond

// releaseScript deletes the lock only while it still carries our token
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker implements ports.Locker with Redis SET NX PX
type Locker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLocker creates a new Redis locker
func NewLocker(client *redis.Client, logger *zap.Logger) *Locker {
	return &Locker{
		client: client,
		logger: logger,
	}
}

// Acquire waits up to wait for name to be free and holds it for lease
func (l *Locker) Acquire(ctx context.Context, name string, wait, lease time.Duration) (ports.Lock, error) {
	key := lockKey(name)
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, &domain.LockError{Name: name, Err: fmt.Errorf("%w: %v", domain.ErrLockNotAcquired, err)}
		}
		if ok {
			return &redisLock{client: l.client, logger: l.logger, name: name, key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, &domain.LockError{Name: name, Err: domain.ErrLockNotAcquired}
		}
		select {
		case <-ctx.Done():
			return nil, &domain.LockError{Name: name, Err: fmt.Errorf("%w: %v", domain.ErrLockNotAcquired, ctx.Err())}
		case <-time.After(retryInterval):
		}
	}
}

type redisLock struct {
	client *redis.Client
	logger *zap.Logger
	name   string
	key    string
	token  string
}

func (r *redisLock) Name() string { return r.name }

// Release frees the lock. A lock whose lease expired is left to its new
// holder.
func (r *redisLock) Release(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", r.name, err)
	}
	if released == 0 {
		r.logger.Warn("lock lease expired before release", zap.String("lock", r.name))
	}
	return nil
}

func lockKey(name string) string {
	return fmt.Sprintf("pipengine:lock:%s", name)
}
