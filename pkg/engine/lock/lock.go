// Package lock serialises work per key, within one process or across
// processes sharing a Redis instance.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockLost is returned by an unlock whose lease expired before release.
var ErrLockLost = errors.New("lock lease lost before release")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func() error

// Locker grants exclusive access to a key. Lock blocks until the key is free
// or ctx ends.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// LocalLocker is an in-process Locker. Each key is a one-slot channel.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	s := l.slot(key)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() error {
		once.Do(func() { <-s })
		return nil
	}, nil
}
