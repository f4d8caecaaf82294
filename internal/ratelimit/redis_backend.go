package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript performs the whole bucket step server-side.
//
// KEYS[1] bucket key
// ARGV    capacity, refill per second, now (ms), cost, ttl (s)
//
// Returns {allowed, floor(tokens), reset seconds}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local reset = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  reset = math.ceil((cost - tokens) / rate)
end

redis.call('HMSET', key, 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('EXPIRE', key, ttl)

return {allowed, math.floor(tokens), reset}
`)

// RedisBackend keeps buckets in Redis, one hash per bucket. Any number of
// limiter instances may share it.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a backend on client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Consume implements Backend.
func (b *RedisBackend) Consume(ctx context.Context, req Request) (Outcome, error) {
	res, err := tokenBucketScript.Run(ctx, b.client, []string{req.Key},
		req.Capacity,
		req.RefillPerSecond,
		req.Now.UnixMilli(),
		req.Cost,
		ttlSeconds(req.TTLSeconds),
	).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("token bucket script: %w", err)
	}
	return parseScriptResult(res)
}

func parseScriptResult(res interface{}) (Outcome, error) {
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Outcome{}, fmt.Errorf("unexpected script result: %v", res)
	}

	nums := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return Outcome{}, fmt.Errorf("unexpected script value at %d: %T", i, v)
		}
		nums[i] = n
	}

	return Outcome{
		Allowed:      nums[0] == 1,
		Remaining:    int(nums[1]),
		ResetSeconds: int(nums[2]),
	}, nil
}
