package ratelimiter

import "github.com/redis/go-redis/v9"

// The three decision scripts are opaque blobs parameterized by keys and
// arguments (spec.md §9): each runs as one atomic server-side round trip so
// the check-and-mutate sequence is race-free across replicas. They are
// never split into multiple round trips from Go.

// fixedScript implements the FIXED window algorithm (spec.md §4.L).
// KEYS[1] = window key. ARGV[1] = windowSeconds, ARGV[2] = limit.
// Returns {allowed (0/1), count}.
var fixedScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
end
local allowed = 0
if count <= tonumber(ARGV[2]) then
  allowed = 1
end
return {allowed, count}
`)

// slidingScript implements the SLIDING window algorithm (spec.md §4.L).
// KEYS[1] = current window key, KEYS[2] = previous window key.
// ARGV[1] = windowMs, ARGV[2] = elapsedInWindowMs, ARGV[3] = limit.
// Returns {allowed (0/1), estimate*1000 (integer-scaled)}.
var slidingScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]) * 2)
end
local previous = tonumber(redis.call('GET', KEYS[2]) or '0')
local windowMs = tonumber(ARGV[1])
local elapsed = tonumber(ARGV[2])
local weight = (windowMs - elapsed) / windowMs
if weight < 0 then weight = 0 end
if weight > 1 then weight = 1 end
local estimate = previous * weight + current
local allowed = 0
if estimate <= tonumber(ARGV[3]) then
  allowed = 1
end
return {allowed, math.floor(estimate * 1000)}
`)

// tokenScript implements the TOKEN bucket algorithm (spec.md §4.L).
// KEYS[1] = bucket hash key. ARGV[1] = nowMs, ARGV[2] = capacity,
// ARGV[3] = fillRate. Returns {allowed (0/1), tokens*1000 (integer-scaled)}.
var tokenScript = redis.NewScript(`
local tokens = redis.call('HGET', KEYS[1], 'tokens')
local lastRefill = redis.call('HGET', KEYS[1], 'lastRefillMs')
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local fillRate = tonumber(ARGV[3])
if not tokens then
  tokens = capacity
  lastRefill = now
else
  tokens = tonumber(tokens)
  lastRefill = tonumber(lastRefill)
end
local delta = (now - lastRefill) / 1000
if delta < 0 then delta = 0 end
local refill = delta * fillRate
tokens = tokens + refill
if tokens > capacity then tokens = capacity end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'lastRefillMs', tostring(now))
local ttlMs = math.ceil((capacity / fillRate) * 2000)
if ttlMs < 1000 then ttlMs = 1000 end
redis.call('PEXPIRE', KEYS[1], ttlMs)
return {allowed, math.floor(tokens * 1000)}
`)
