package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// VerdictCache remembers raw model output per prompt.
type VerdictCache interface {
	Get(ctx context.Context, prompt string) (string, bool)
	Set(ctx context.Context, prompt, raw string)
}

// RedisVerdictCache stores raw model output under a hash of the provider,
// model and prompt. Redis failures behave like misses.
type RedisVerdictCache struct {
	rdb      *redis.Client
	ttl      time.Duration
	provider string
	model    string
	logger   *zap.Logger
}

func NewRedisVerdictCache(rdb *redis.Client, provider, model string, ttl time.Duration, logger *zap.Logger) *RedisVerdictCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisVerdictCache{rdb: rdb, ttl: ttl, provider: provider, model: model, logger: logger}
}

// 换 provider 或 model 后旧结论不能复用
func (c *RedisVerdictCache) key(prompt string) string {
	h := sha256.New()
	h.Write([]byte(c.provider))
	h.Write([]byte{0})
	h.Write([]byte(c.model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return "verdict:" + hex.EncodeToString(h.Sum(nil))
}

func (c *RedisVerdictCache) Get(ctx context.Context, prompt string) (string, bool) {
	if c == nil || c.rdb == nil {
		return "", false
	}
	raw, err := c.rdb.Get(ctx, c.key(prompt)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		c.logger.Warn("Verdict cache read failed", zap.Error(err))
		return "", false
	}
	return raw, true
}

func (c *RedisVerdictCache) Set(ctx context.Context, prompt, raw string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(prompt), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("Verdict cache write failed", zap.Error(err))
	}
}

type noCache struct{}

func (noCache) Get(context.Context, string) (string, bool) { return "", false }
func (noCache) Set(context.Context, string, string)        {}
