package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loveledger/edge/internal/xerrors"
)

// redisKeyPrefix namespaces limiter keys. Segment sanitization in
// ClientKey keeps the prefix colon unambiguous.
const redisKeyPrefix = "ratelimit:"

// takeScript runs the whole window transition server-side so concurrent
// edge instances see one atomic read-modify-write, the same guarantee the
// memory store gets from its shard mutex. State is a small hash per key
// with a self-expiry two windows out, which is redis doing the janitor's
// job. The math must stay in lockstep with windowState.take.
var takeScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local st = redis.call('HMGET', KEYS[1], 'ws', 'c', 'p', 'd')
local ws = tonumber(st[1])
local c = tonumber(st[2]) or 0
local p = tonumber(st[3]) or 0
local d = tonumber(st[4]) or 0

if (not ws) or (now - ws > 2 * window) then
  ws = now
  c = 0
  p = 0
  d = 0
elseif now - ws >= window then
  p = c
  c = 0
  ws = ws + window
  d = 0
end

local elapsed = now - ws
if elapsed < 0 then
  elapsed = 0
end
local f = elapsed / window
if f > 1 then
  f = 1
end
local effective = c + p * (1 - f)

local allowed = 0
if effective < limit then
  allowed = 1
end
c = c + 1
if allowed == 0 then
  d = d + 1
end

local remaining = limit - math.ceil(effective + 1)
if remaining < 0 then
  remaining = 0
end

redis.call('HSET', KEYS[1], 'ws', ws, 'c', c, 'p', p, 'd', d)
redis.call('PEXPIRE', KEYS[1], 2 * window + 1000)

return {allowed, remaining, ws + window, d}
`)

// RedisStore shares window counters across edge instances. Decisions are
// byte-for-byte the memory store's; only where the state lives differs.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore wraps an established client. Connection management,
// pooling and health belong to the caller; see internal/redisx.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Take implements Store. Errors here mean redis itself failed; the caller
// decides what admission means then (the Limiter fails open).
func (s *RedisStore) Take(ctx context.Context, key string, p Preset, now time.Time) (Result, error) {
	vals, err := takeScript.Run(ctx, s.client,
		[]string{redisKeyPrefix + key},
		p.Window.Milliseconds(), p.Limit, now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Result{}, xerrors.Wrap(err, "ratelimit: redis take")
	}
	if len(vals) != 4 {
		return Result{}, xerrors.Newf("ratelimit: redis take: unexpected reply length %d", len(vals))
	}

	resetAt := time.UnixMilli(vals[2])
	retryAfter := resetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}

	return Result{
		Allowed:    vals[0] == 1,
		Limit:      p.Limit,
		Remaining:  int(vals[1]),
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
		Denials:    int(vals[3]),
	}, nil
}
