package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// refillScript takes one token from the hash at KEYS[1] after topping it up
// for the time elapsed on the Redis clock. ARGV: rate per second, burst,
// idle ttl in ms. Replies {1|0, level} with level as a string because Lua
// numbers come back truncated.
var refillScript = redis.NewScript(`
local per_ms = tonumber(ARGV[1]) / 1000
local cap = tonumber(ARGV[2])
local clock = redis.call("TIME")
local now = clock[1] * 1000 + math.floor(clock[2] / 1000)

local level = cap
local state = redis.call("HMGET", KEYS[1], "level", "at")
if state[1] then
  local idle = math.max(0, now - tonumber(state[2]))
  level = math.min(cap, tonumber(state[1]) + idle * per_ms)
end

local granted = 0
if level >= 1 then
  level = level - 1
  granted = 1
end
redis.call("HSET", KEYS[1], "level", level, "at", now)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {granted, tostring(level)}
`)

var (
	ErrNotConfigured = errors.New("rate limiter not configured")
	ErrEmptyKey      = errors.New("rate limiter key is empty")
	ErrInvalidRate   = errors.New("rate limiter rate must be positive")
	ErrInvalidBurst  = errors.New("rate limiter burst must be positive")
)

// Result is the outcome of taking one token.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Bucket takes one token from the bucket named by key, creating it full.
type Bucket interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*Result, error)
}

// RedisBucket keeps bucket state in Redis so every replica draws from the
// same bucket. Refill uses the Redis server clock, not the caller's.
type RedisBucket struct {
	client redis.Scripter
}

func NewRedisBucket(client redis.Scripter) *RedisBucket {
	return &RedisBucket{client: client}
}

func (b *RedisBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*Result, error) {
	if b == nil || b.client == nil {
		return nil, ErrNotConfigured
	}
	if err := validate(key, rate, burst); err != nil {
		return nil, err
	}

	reply, err := refillScript.Run(ctx, b.client, []string{key}, rate, burst, idleTTL(rate, burst).Milliseconds()).Slice()
	if err != nil {
		return nil, err
	}
	if len(reply) != 2 {
		return nil, fmt.Errorf("ratelimit: unexpected script reply %v", reply)
	}
	granted, _ := reply[0].(int64)
	level, _ := reply[1].(string)
	remaining, err := strconv.ParseFloat(level, 64)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: bucket level %q: %w", level, err)
	}
	return newResult(granted == 1, remaining, rate, burst), nil
}

func validate(key string, rate float64, burst int) error {
	switch {
	case key == "":
		return ErrEmptyKey
	case rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate):
		return ErrInvalidRate
	case burst <= 0:
		return ErrInvalidBurst
	}
	return nil
}

// newResult turns a bucket level into a Result. A refused call is told how
// long until one whole token has refilled.
func newResult(allowed bool, level, rate float64, burst int) *Result {
	res := &Result{Allowed: allowed, Limit: burst, Remaining: max(int(level), 0)}
	if !allowed && level < 1 {
		res.RetryAfter = time.Duration((1 - level) / rate * float64(time.Second))
	}
	return res
}

// idleTTL drops a bucket once it has been idle for twice the time it takes
// to refill from empty; it would be full again by then anyway.
func idleTTL(rate float64, burst int) time.Duration {
	return max(time.Duration(2*float64(burst)/rate*float64(time.Second)), time.Second)
}
