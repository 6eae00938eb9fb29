package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper 基于 Redis SetNX 的一次性去重器
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func dedupKey(handler, id string) string {
	return fmt.Sprintf("dedup:%s:%s", handler, id)
}

// AcquireOnce tries to acquire a dedup marker for handler + id.
// Returns true the first time within ttl, false for duplicates.
func (d *Deduper) AcquireOnce(ctx context.Context, handler string, id string) bool {
	key := dedupKey(handler, id)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		// Redis 挂了？当 redis 不可用时，不阻止处理，返回 true
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("id", id),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.String("id", id),
			zap.String("dedup_key", key),
		)
	}
	return ok
}

// Forget 删除去重标记，处理失败需要重新投递时调用
func (d *Deduper) Forget(ctx context.Context, handler string, id string) {
	if err := d.rdb.Del(ctx, dedupKey(handler, id)).Err(); err != nil {
		d.logger.Warn("Failed to clear dedup marker",
			zap.String("handler", handler),
			zap.String("id", id),
			zap.Error(err),
		)
	}
}
