package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "bridge:inbound:delivery:"

// Guard recognizes re-deliveries of inbound webhook events. The webhook
// platform retries on unacknowledged deliveries, so the same delivery id can
// arrive more than once; only the first acquisition may create a CRM record
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	return &Guard{rdb: rdb, ttl: ttl}
}

// Acquire claims the delivery key. It returns false when the key was already
// claimed, meaning the event was processed (or is being processed) before
func (g *Guard) Acquire(ctx context.Context, deliveryID string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, keyPrefix+deliveryID, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency acquire failed: %w", err)
	}
	return ok, nil
}

// Release frees the key after a failed materialization so the platform's
// next re-delivery gets another chance
func (g *Guard) Release(ctx context.Context, deliveryID string) error {
	if err := g.rdb.Del(ctx, keyPrefix+deliveryID).Err(); err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}
