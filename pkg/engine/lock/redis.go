package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease-based Locker on a single Redis instance. A holder
// that outlives the lease loses the lock; the lease must cover the longest
// critical section.
type RedisLocker struct {
	client *redis.Client
	prefix string
	lease  time.Duration
	retry  time.Duration
}

type RedisOption func(*RedisLocker)

func WithPrefix(p string) RedisOption {
	return func(l *RedisLocker) { l.prefix = p }
}

func WithLease(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.lease = d
		}
	}
}

// WithRetry sets the polling interval while a key is held elsewhere.
func WithRetry(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

func NewRedisLocker(client *redis.Client, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: "charterguard:lock:",
		lease:  15 * time.Minute,
		retry:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DialRedis parses url and checks the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	k := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, k, token, l.lease).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	var releaseErr error
	return func() error {
		once.Do(func() {
			// Release even when the caller's context is already done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(ctx, l.client, []string{k}, token).Int()
			switch {
			case err != nil && !errors.Is(err, redis.Nil):
				releaseErr = fmt.Errorf("release lock %s: %w", key, err)
			case n == 0:
				releaseErr = ErrLockLost
			}
		})
		return releaseErr
	}, nil
}
