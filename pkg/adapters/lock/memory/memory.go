package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/google/uuid"
)

const retryInterval = 5 * time.Millisecond

type holder struct {
	token   string
	expires time.Time
}

// Locker implements ports.Locker inside one process
type Locker struct {
	mu    sync.Mutex
	locks map[string]holder
	now   func() time.Time
}

// NewLocker creates a new in-memory locker
func NewLocker() *Locker {
	return &Locker{
		locks: make(map[string]holder),
		now:   time.Now,
	}
}

// Acquire waits up to wait for name to be free and holds it for lease
func (l *Locker) Acquire(ctx context.Context, name string, wait, lease time.Duration) (ports.Lock, error) {
	token := uuid.NewString()
	deadline := l.now().Add(wait)

	for {
		if l.tryAcquire(name, token, lease) {
			return &memoryLock{locker: l, name: name, token: token}, nil
		}
		if !l.now().Before(deadline) {
			return nil, &domain.LockError{Name: name, Err: domain.ErrLockNotAcquired}
		}
		select {
		case <-ctx.Done():
			return nil, &domain.LockError{Name: name, Err: fmt.Errorf("%w: %v", domain.ErrLockNotAcquired, ctx.Err())}
		case <-time.After(retryInterval):
		}
	}
}

func (l *Locker) tryAcquire(name, token string, lease time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.locks[name]; ok && now.Before(h.expires) {
		return false
	}
	l.locks[name] = holder{token: token, expires: now.Add(lease)}
	return true
}

func (l *Locker) release(name, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.locks[name]; ok && h.token == token {
		delete(l.locks, name)
	}
}

type memoryLock struct {
	locker *Locker
	name   string
	token  string
}

func (m *memoryLock) Name() string { return m.name }

// Release frees the lock unless its lease already passed to another holder
func (m *memoryLock) Release(ctx context.Context) error {
	m.locker.release(m.name, m.token)
	return nil
}
