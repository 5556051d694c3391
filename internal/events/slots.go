package events

import (
	"context"
	"time"

	"meetai/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisSlots is a SlotLimiter backed by Redis counters shared across API instances.
type RedisSlots struct {
	RDB   *redis.Client
	Limit int
	// TTL bounds how long a slot leaked by a crashed instance stays counted.
	TTL time.Duration
}

func (s RedisSlots) Acquire(ctx context.Context, key string) (bool, error) {
	return utils.AcquireSlot(ctx, s.RDB, key, s.Limit, s.TTL)
}

func (s RedisSlots) Release(ctx context.Context, key string) error {
	return utils.ReleaseSlot(ctx, s.RDB, key)
}
