package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bundle-checkout/internal/lock"
)

func newLocker(t *testing.T) (lock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}, mr
}

func TestWithLockSerialises(t *testing.T) {
	locker, _ := newLocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var order []string
	var mu sync.Mutex
	firstDone := make(chan struct{})
	releaseFirst := make(chan struct{})
	errs := make(chan error, 2)

	go func() {
		errs <- locker.WithLock(ctx, "demo", 500*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			close(firstDone)
			<-releaseFirst
			return nil
		})
	}()

	<-firstDone

	go func() {
		errs <- locker.WithLock(ctx, "demo", 500*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()

	close(releaseFirst)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestTryWithLockReturnsNotAcquired(t *testing.T) {
	locker, mr := newLocker(t)
	require.NoError(t, mr.Set("relay", "someone-else"))

	called := false
	err := locker.TryWithLock(context.Background(), "relay", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.False(t, called)
}

func TestTryWithLockReleasesOwnKey(t *testing.T) {
	locker, mr := newLocker(t)

	err := locker.TryWithLock(context.Background(), "relay", time.Second, func(context.Context) error {
		require.True(t, mr.Exists("relay"))
		return nil
	})
	require.NoError(t, err)
	require.False(t, mr.Exists("relay"))
}
