package sourceverify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// redisBucketKeyPrefix namespaces limiter buckets away from reputation data.
const redisBucketKeyPrefix = "hlekkr:limiter:"

// redisTokenBucketScript refills and consumes atomically server-side so
// concurrent verifier replicas cannot double-spend the outbound budget.
//
// KEYS[1] bucket key
// ARGV[1] refill rate (tokens/sec), ARGV[2] capacity, ARGV[3] cost,
// ARGV[4] now (seconds, fractional)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil or last_refill == nil then
  tokens = capacity
  last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, 60)

return {allowed, tostring(tokens)}
`)

// RedisBucket is a SharedLimiter over a Redis token bucket, giving every
// verifier replica one shared outbound budget.
type RedisBucket struct {
	client   redis.UniversalClient
	rate     float64
	capacity int
	clock    func() time.Time
}

// NewRedisBucket builds a shared bucket refilling at ratePerSec up to
// capacity tokens.
func NewRedisBucket(client redis.UniversalClient, ratePerSec float64, capacity int) *RedisBucket {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &RedisBucket{client: client, rate: ratePerSec, capacity: capacity, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (b *RedisBucket) WithClock(clock func() time.Time) *RedisBucket {
	b.clock = clock
	return b
}

// Allow consumes one token from the named bucket.
func (b *RedisBucket) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(b.clock().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, b.client,
		[]string{redisBucketKeyPrefix + key},
		b.rate, b.capacity, 1, now).Result()
	if err != nil {
		return false, fault.Wrap(fault.CodeStoreError, err, "evaluating shared rate limit")
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fault.New(fault.CodeStoreError, "shared rate limit script returned %d values", len(results))
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
