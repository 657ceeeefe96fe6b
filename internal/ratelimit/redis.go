package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hermes/internal/clock"
	"hermes/internal/utils"
)

// RedisLimiter implements the sliding window over a Redis sorted set, for
// deployments running more than one gateway node. Falls open on Redis errors
// so that a cache outage never takes down admission.
type RedisLimiter struct {
	client *redis.Client
	max    int
	window time.Duration
	clk    clock.Clock
	logger *utils.Logger
}

// NewRedisLimiter creates a Redis-backed sliding window limiter.
func NewRedisLimiter(client *redis.Client, max int, window time.Duration, clk clock.Clock) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		max:    max,
		window: window,
		clk:    clk,
		logger: utils.NewLogger("ratelimit"),
	}
}

// Allow checks and records one request for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) Result {
	redisKey := fmt.Sprintf("hermes:ratelimit:%s", key)
	now := l.clk.Now()
	windowStart := now.Add(-l.window)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixMilli()))
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("redis pipeline failed, allowing request", "error", err)
		return Result{Allowed: true, Limit: l.max, Remaining: l.max - 1, ResetAt: now.Add(l.window).Unix()}
	}

	count := int(countCmd.Val())
	resetAt := now.Add(l.window).Unix()
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = (int64(oldest[0].Score) + l.window.Milliseconds()) / 1000
	}

	if count+1 > l.max {
		retry := int(resetAt - now.Unix())
		if retry < 1 {
			retry = 1
		}
		return Result{Allowed: false, Limit: l.max, Remaining: 0, ResetAt: resetAt, RetryAfter: retry}
	}

	pipe = l.client.Pipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%d", now.UnixNano(), count),
	})
	pipe.Expire(ctx, redisKey, l.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("redis record failed", "error", err)
	}

	return Result{Allowed: true, Limit: l.max, Remaining: l.max - count - 1, ResetAt: resetAt}
}
