package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// attemptScript counts an attempt in a fixed window and reports the count
// together with the window's remaining lifetime in milliseconds.
var attemptScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter counts attempts in Redis so every gateway instance shares the
// same budget. Any Redis failure is answered by Fallback.
type RedisLimiter struct {
	Client   redis.Scripter
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback Limiter
}

func NewRedis(client redis.Scripter, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "frontdoor:attempts:",
		Timeout:  time.Second,
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	vals, err := attemptScript.Run(rctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		return l.fallback(ctx, key, limit)
	}
	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	if ttl < 0 {
		ttl = l.Window
	}
	if count > limit {
		return Decision{Limit: limit, RetryAfter: roundUp(ttl)}
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit - count}
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit}
}
