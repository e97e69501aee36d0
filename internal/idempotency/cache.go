// Package idempotency offers a Redis fast path for the daily precalculation
// run: keys already materialized are skipped without touching Postgres. The
// cache is an optimization only — a miss or a Redis outage falls through to
// the unique constraint on message_logs.
package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"greeting-service/internal/db"
)

const keyPrefix = "greeting:idemp:"

type Cache struct {
	redis  *db.RedisDB
	logger *zap.Logger
	ttl    time.Duration
}

func NewCache(redis *db.RedisDB, logger *zap.Logger) *Cache {
	return &Cache{redis: redis, logger: logger, ttl: 48 * time.Hour}
}

// Seen reports whether the idempotency key was recently materialized.
// Errors degrade to false; the store's unique constraint is authoritative.
func (c *Cache) Seen(ctx context.Context, key string) bool {
	err := c.redis.Get(ctx, keyPrefix+key).Err()
	if err == nil {
		return true
	}
	if err != redis.Nil {
		c.logger.Debug("idempotency cache read failed", zap.Error(err))
	}
	return false
}

func (c *Cache) Remember(ctx context.Context, key string) {
	if err := c.redis.Set(ctx, keyPrefix+key, 1, c.ttl).Err(); err != nil {
		c.logger.Debug("idempotency cache write failed", zap.Error(err))
	}
}
