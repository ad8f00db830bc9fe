package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrNotConfigured   = errors.New("rate_limiter_not_configured")
	ErrInvalidBucket   = errors.New("invalid_rate_limit_bucket")
	ErrInvalidResponse = errors.New("invalid_rate_limit_response")
)

// takeScript refills the bucket from the redis clock, then removes cost tokens
// if that many are available. Tokens are returned in thousandths because redis
// truncates Lua numbers to integers.
const takeScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local clock = redis.call("TIME")
local now = (clock[1] * 1000) + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])

if tokens == nil then
  tokens = burst
else
  local elapsed = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (elapsed / 1000) * rate)
end

local taken = 0
if tokens >= cost then
  taken = 1
  tokens = tokens - cost
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {taken, math.floor(tokens * 1000), now}
`

// TokenBucket is a redis-backed bucket shared by every API replica.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Cost       int
	Burst      int
	Remaining  float64
	RetryAfter time.Duration
	At         time.Time
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(takeScript),
	}
}

// Take removes cost tokens from the bucket at key, all or nothing.
func (t *TokenBucket) Take(ctx context.Context, key string, rate float64, burst, cost int) (Decision, error) {
	if t == nil || t.client == nil {
		return Decision{}, ErrNotConfigured
	}
	if key == "" || rate <= 0 || burst <= 0 || cost <= 0 {
		return Decision{}, ErrInvalidBucket
	}

	res, err := t.script.Run(ctx, t.client, []string{key},
		rate, burst, cost, bucketTTL(rate, burst).Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, ErrInvalidResponse
	}

	d := Decision{
		Allowed:   asInt64(res[0]) == 1,
		Cost:      cost,
		Burst:     burst,
		Remaining: float64(asInt64(res[1])) / 1000,
		At:        time.UnixMilli(asInt64(res[2])).UTC(),
	}
	if !d.Allowed {
		d.RetryAfter = refillTime(float64(cost)-d.Remaining, rate)
	}
	return d, nil
}

// refillTime is how long the bucket needs to gain missing tokens.
func refillTime(missing, rate float64) time.Duration {
	if missing <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(missing / rate * float64(time.Second))
}

// bucketTTL keeps an idle bucket around for two full refills.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(float64(burst)/rate*2))
	return time.Duration(seconds) * time.Second
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}
