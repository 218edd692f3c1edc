package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper 用 Redis SetNX 做短期去重，Redis 不可用时放行
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

// AcquireOnce returns true the first time scope+id is seen within the TTL.
// A nil Deduper or a Redis error allows processing.
func (d *Deduper) AcquireOnce(ctx context.Context, scope string, id int64) bool {
	if d == nil || d.rdb == nil {
		return true
	}
	key := fmt.Sprintf("dedup:%s:%d", scope, id)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("scope", scope),
			zap.Int64("id", id),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Debug("Skipped duplicated work",
			zap.String("scope", scope),
			zap.Int64("id", id),
			zap.String("dedup_key", key),
		)
	}
	return ok
}

// Release 删除去重 key，用于处理失败后允许下一次重试
func (d *Deduper) Release(ctx context.Context, scope string, id int64) {
	if d == nil || d.rdb == nil {
		return
	}
	if err := d.rdb.Del(ctx, fmt.Sprintf("dedup:%s:%d", scope, id)).Err(); err != nil {
		d.logger.Warn("Redis dedup release failed", zap.String("scope", scope), zap.Int64("id", id), zap.Error(err))
	}
}
