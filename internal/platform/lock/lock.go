// Package lock provides short-lived mutual exclusion keyed by string, used to serialize
// settlement of a single challenge across concurrent requests.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("lock: key is held by another operation")

// Unlock releases a lock. It is a no-op if the lock already expired and was taken by someone else.
type Unlock func(ctx context.Context) error

// Locker acquires expiring locks without blocking.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

type localEntry struct {
	token   string
	expires time.Time
}

// Local is an in-process Locker for single-replica deployments and tests.
type Local struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{entries: make(map[string]localEntry), now: time.Now}
}

// TryLock takes key for ttl or fails with ErrLocked. Expired locks are reclaimed.
func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expires) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	l.entries[key] = localEntry{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.entries[key]; ok && e.token == token {
			delete(l.entries, key)
		}
		return nil
	}, nil
}
