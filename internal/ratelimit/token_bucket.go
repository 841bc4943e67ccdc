// Package ratelimit throttles timer creation per owner with a token bucket kept
// in Redis, so every API replica draws from the same bucket.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "timers:rl"

// TokenBucket is a distributed token bucket. Each owner gets Capacity tokens
// that refill at Refill tokens per second.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*TokenBucket)

// WithClock replaces the time source passed to the bucket script.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) { b.now = now }
}

// NewTokenBucket builds a bucket. ttl bounds how long an idle owner's state is
// kept; zero keeps it forever.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		prefix:   defaultPrefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// AllowOwner consumes one token from ownerID's bucket.
func (b *TokenBucket) AllowOwner(ctx context.Context, ownerID string) (bool, float64, error) {
	return b.Allow(ctx, fmt.Sprintf("%s:%s", b.prefix, ownerID))
}

// Allow consumes a single token for key if one is available and reports the
// tokens left afterwards.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Tokens are returned as a string so fractional state survives the Lua to
// RESP conversion, which truncates numbers to integers.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
