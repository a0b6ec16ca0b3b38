package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// The scripts run the full check atomically server-side, so concurrent
// gateway instances never race on read-modify-write. Timestamps are
// caller-supplied milliseconds; Redis time is never consulted.

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])

if tokens == nil then
  tokens = capacity
  ts = now_ms
end

local delta_seconds = math.max(0, now_ms - ts) / 1000.0
tokens = math.min(capacity, tokens + (delta_seconds * refill))

local allowed = 0
local remaining = 0
local retry_after = 0

if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
  remaining = math.floor(tokens)
else
  local needed = 1 - tokens
  retry_after = math.max(1, math.ceil(needed / refill))
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now_ms)
redis.call('EXPIRE', key, ttl)

return {allowed, remaining, retry_after}
`)

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)
local count = redis.call('ZCARD', key)

if count < max_requests then
  redis.call('ZADD', key, now_ms, member)
  redis.call('EXPIRE', key, ttl)
  return {1, max_requests - (count + 1), 0}
else
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry_after = 1
  if oldest[2] then
    local oldest_score = tonumber(oldest[2])
    retry_after = math.max(1, math.ceil((oldest_score + window_ms - now_ms) / 1000.0))
  end
  return {0, 0, retry_after}
end
`)

// RedisBackend runs the same policies fleet-wide by executing them as
// server-side scripts keyed under "{prefix}:{key}". Keys carry a TTL so
// idle entries age out of Redis on their own.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps an existing client. The caller owns the client's
// lifecycle (and should Ping it at startup).
func NewRedisBackend(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: keyPrefix}
}

func (r *RedisBackend) fullKey(key string) string {
	return r.prefix + ":" + key
}

// Check implements Backend.
func (r *RedisBackend) Check(ctx context.Context, key string, policy Policy, requestID string) (Decision, error) {
	fullKey := r.fullKey(key)
	nowMS := time.Now().UnixMilli()

	switch policy.Kind {
	case KindTokenBucket:
		if policy.RefillPerSec <= 0 {
			return Decision{}, ErrBadRefill
		}
		reply, err := tokenBucketScript.Run(ctx, r.client, []string{fullKey},
			policy.Capacity, policy.RefillPerSec, nowMS, bucketTTL(policy)).Int64Slice()
		if err != nil {
			return Decision{}, fmt.Errorf("ratelimit: token bucket script: %w", err)
		}
		return decisionFromReply(reply)

	case KindSlidingWindow:
		member := strconv.FormatInt(nowMS, 10) + "-" + requestID
		reply, err := slidingWindowScript.Run(ctx, r.client, []string{fullKey},
			nowMS, int64(policy.WindowSeconds)*1000, policy.MaxRequests, member, windowTTL(policy)).Int64Slice()
		if err != nil {
			return Decision{}, fmt.Errorf("ratelimit: sliding window script: %w", err)
		}
		return decisionFromReply(reply)

	default:
		return Decision{}, fmt.Errorf("ratelimit: unknown policy kind %d", policy.Kind)
	}
}

// bucketTTL covers two full drain-to-refill cycles so an idle key
// expires instead of pinning Redis memory.
func bucketTTL(p Policy) int64 {
	return max(int64(math.Ceil(float64(p.Capacity)/p.RefillPerSec)), 1) * 2
}

// windowTTL outlives the window by one second so in-window members are
// never dropped early.
func windowTTL(p Policy) int64 {
	return max(int64(p.WindowSeconds)+1, 1)
}

func decisionFromReply(reply []int64) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, errors.New("ratelimit: malformed script reply")
	}
	d := Decision{Allowed: reply[0] == 1}
	if reply[1] > 0 {
		d.Remaining = uint64(reply[1])
	}
	if reply[2] > 0 {
		d.RetryAfterSecs = uint64(reply[2])
	}
	return d, nil
}
