// Package cooldown grants at most one action per key within a time window.
package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefix for cooldown markers
const keyPrefix = "tenancy:cooldown:"

// Redis shares cooldown windows across instances. Acquire is a single
// SET NX with expiry, so concurrent callers race on the server.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Acquire reports whether key was free and is now held for ttl.
func (c *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire cooldown: %w", err)
	}
	return ok, nil
}
