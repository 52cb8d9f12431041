package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by TryWithLock when another holder owns the key.
var ErrNotAcquired = errors.New("lock: not acquired")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`)

// Locker provides a Redis-backed distributed lock.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
}

// WithLock waits for the lock on key and runs fn while holding it. The lock
// is released when fn returns, whatever its result.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if err := l.check(fn); err != nil {
		return err
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		token, err := l.acquire(ctx, key, ttl)
		if err != nil && !errors.Is(err, ErrNotAcquired) {
			return err
		}
		if err == nil {
			defer l.release(key, token)
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryWithLock runs fn only if the lock is free right now.
func (l Locker) TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if err := l.check(fn); err != nil {
		return err
	}
	token, err := l.acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer l.release(key, token)
	return fn(ctx)
}

func (l Locker) check(fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	return nil
}

func (l Locker) acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

func (l Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.R, []string{key}, token).Err()
}
