package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduper creates a deduper with logger support
func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func formatKey(handler, key string) string {
	return fmt.Sprintf("dedup:%s:%s", handler, key)
}

// AcquireOnce tries to acquire a marker for a given handler + key.
// returns true if this is the FIRST acquisition within ttl
// returns false if the marker already exists
func (d *Deduper) AcquireOnce(ctx context.Context, handler, key string) bool {
	k := formatKey(handler, key)

	ok, err := d.rdb.SetNX(ctx, k, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		// Redis 不可用时不阻止处理，返回 true
		d.logger.Warn("Redis marker check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Debug("Marker already present",
			zap.String("handler", handler),
			zap.String("dedup_key", k),
		)
	}
	return ok
}

// Release removes the marker. Missing markers are not an error.
func (d *Deduper) Release(ctx context.Context, handler, key string) error {
	if err := d.rdb.Del(ctx, formatKey(handler, key)).Err(); err != nil {
		return fmt.Errorf("release marker %s/%s: %w", handler, key, err)
	}
	return nil
}
