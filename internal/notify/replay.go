package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger remembers which order emails went out, so a redelivered event does
// not email the buyer twice.
type Ledger interface {
	Claim(ctx context.Context, topic, orderID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, topic, orderID string) error
}

// RedisLedger keeps claims under <Prefix>:notify:<topic>:<order id>. The
// value is the claim time.
type RedisLedger struct {
	Client *redis.Client
	Prefix string
}

func (l RedisLedger) key(topic, orderID string) string {
	key := "notify:" + topic + ":" + orderID
	if l.Prefix == "" {
		return key
	}
	return l.Prefix + ":" + key
}

// Claim reports false when the email for (topic, orderID) was already claimed
// within ttl. Without a client every claim succeeds.
func (l RedisLedger) Claim(ctx context.Context, topic, orderID string, ttl time.Duration) (bool, error) {
	if l.Client == nil {
		return true, nil
	}
	return l.Client.SetNX(ctx, l.key(topic, orderID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release drops a claim after a failed send so the retry can deliver.
func (l RedisLedger) Release(ctx context.Context, topic, orderID string) error {
	if l.Client == nil {
		return nil
	}
	return l.Client.Del(ctx, l.key(topic, orderID)).Err()
}
