package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/lock"
)

// OutboxStore reads and flags pending order events.
type OutboxStore interface {
	ListUnpublishedOrderEvents(ctx context.Context, limit int32) ([]db.OrderEvent, error)
	PublishedMarker
}

// Locker serialises relay passes across instances.
type Locker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Relay republishes outbox rows that were committed but never reached the
// queue, for example when the process died between commit and enqueue.
type Relay struct {
	Store     OutboxStore
	Publisher *Publisher
	Locker    Locker
	LockKey   string
	LockTTL   time.Duration
	Interval  time.Duration
	Batch     int32
	Logger    zerolog.Logger
}

// RunOnce publishes one batch and returns how many events were published.
// It returns 0 without error when another instance holds the lock.
func (r Relay) RunOnce(ctx context.Context) (int, error) {
	if r.Store == nil || r.Publisher == nil {
		return 0, errors.New("events: relay not configured")
	}
	published := 0
	pass := func(ctx context.Context) error {
		batch := r.Batch
		if batch <= 0 {
			batch = 50
		}
		pending, err := r.Store.ListUnpublishedOrderEvents(ctx, batch)
		if err != nil {
			return err
		}
		var joined error
		for _, ev := range pending {
			if err := r.Publisher.Publish(ctx, ev); err != nil {
				joined = errors.Join(joined, err)
				continue
			}
			published++
		}
		return joined
	}
	if r.Locker == nil {
		return published, pass(ctx)
	}
	key := r.LockKey
	if key == "" {
		key = "lock:outbox-relay"
	}
	err := r.Locker.TryWithLock(ctx, key, r.LockTTL, pass)
	if errors.Is(err, lock.ErrNotAcquired) {
		return 0, nil
	}
	return published, err
}

// Run polls until ctx is cancelled.
func (r Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.Logger.Error().Err(err).Msg("outbox_relay_failed")
		} else if n > 0 {
			r.Logger.Info().Int("published", n).Msg("outbox_relay_published")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
