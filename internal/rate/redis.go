package rate

import (
	"context"
	"fmt"
	"time"

	"handshakegate/gate-service/internal/circuitbreaker"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingLogScript keeps one sorted-set member per counted event, scored by
// its millisecond timestamp. It returns {allowed, count, retry_after_ms}.
var slidingLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
  local retry = window
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, count, retry}
end

redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return {1, count + 1, 0}
`)

// RedisLimiter shares a one-minute sliding log across gate instances.
type RedisLimiter struct {
	redis   redis.UniversalClient
	prefix  string
	limit   int
	breaker *circuitbreaker.CircuitBreaker
	nowFunc func() time.Time
}

// NewRedisLimiter allows limit events per minute per key. breaker may be nil.
func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, breaker *circuitbreaker.CircuitBreaker) *RedisLimiter {
	if limit <= 0 {
		limit = 60
	}
	return &RedisLimiter{redis: client, prefix: prefix, limit: limit, breaker: breaker, nowFunc: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	window := int64(windowSec * 1000)
	now := l.nowFunc().UnixMilli()

	var vals []int64
	run := func() error {
		var err error
		vals, err = slidingLogScript.Run(ctx, l.redis,
			[]string{l.prefix + key},
			now, window, l.limit, fmt.Sprintf("%d-%s", now, uuid.NewString()),
		).Int64Slice()
		return err
	}

	var err error
	if l.breaker != nil {
		err = l.breaker.Do(run, nil)
	} else {
		err = run()
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, vals)
	}

	if vals[0] == 0 {
		// Whole seconds, rounded up, for the Retry-After header.
		secs := (vals[2] + 999) / 1000
		if secs < 1 {
			secs = 1
		}
		return Result{Allowed: false, RetryAfter: time.Duration(secs) * time.Second}, nil
	}
	return Result{Allowed: true, Remaining: l.limit - int(vals[1])}, nil
}
