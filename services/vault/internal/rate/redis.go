package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "vault:callers:rl:"

// fixedWindow increments the counter, starts its expiry on first use and
// returns {allowed, ttl_ms}.
var fixedWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[2])
end
if n > tonumber(ARGV[1]) then
  return {0, ttl}
end
return {1, ttl}
`)

// RedisLimiter shares windows between every vault service replica.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int
	span   time.Duration
	prefix string
}

func NewRedis(client redis.UniversalClient, limit int, span time.Duration, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLimiter{client: client, limit: limit, span: span, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	spanMS := l.span.Milliseconds()
	if spanMS <= 0 {
		return false, 0, fmt.Errorf("rate window must be at least 1ms, got %s", l.span)
	}
	res, err := fixedWindow.Run(ctx, l.client, []string{l.prefix + key}, l.limit, spanMS).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}
