package cache

import (
	"context"
	"fmt"
	"time"

	"tuneforge/core/ratelimit"

	"github.com/go-redis/redis/v8"
)

// incrWindow increments the counter and starts the window on the first hit.
// Returns {count, pttl}.
var incrWindow = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

// RedisLimiter is the shared fixed window limiter. Every instance of the
// service sees the same counters, which makes it the authoritative variant.
type RedisLimiter struct {
	client *redis.Client
	rules  *ratelimit.Rules
	now    func() time.Time
}

// NewRedisLimiter creates a Redis backed limiter.
func NewRedisLimiter(client *redis.Client, rules *ratelimit.Rules) *RedisLimiter {
	return &RedisLimiter{client: client, rules: rules, now: time.Now}
}

func (l *RedisLimiter) CheckLimit(ctx context.Context, userID int64, service string) (ratelimit.Result, error) {
	if l.client == nil {
		return ratelimit.Result{}, fmt.Errorf("redis client not initialized")
	}
	rule := l.rules.For(service)

	vals, err := incrWindow.Run(ctx, l.client, []string{ratelimit.Key(userID, service)}, rule.Window.Milliseconds()).Slice()
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if len(vals) != 2 {
		return ratelimit.Result{}, fmt.Errorf("unexpected rate limit script reply: %v", vals)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)

	ttl := time.Duration(ttlMs) * time.Millisecond
	resetAt := l.now().Add(ttl)

	if int(count) > rule.Max {
		return ratelimit.Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  resetAt,
			RetryAfter: ttl,
		}, nil
	}
	return ratelimit.Result{
		Allowed:   true,
		Remaining: rule.Max - int(count),
		ResetTime: resetAt,
	}, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, userID int64, service string) error {
	if l.client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	if err := l.client.Del(ctx, ratelimit.Key(userID, service)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

// Peek returns the current count and remaining window without consuming a request.
func (l *RedisLimiter) Peek(ctx context.Context, userID int64, service string) (int, time.Duration, error) {
	key := ratelimit.Key(userID, service)
	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read rate limit counter: %w", err)
	}
	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read rate limit ttl: %w", err)
	}
	return count, ttl, nil
}
