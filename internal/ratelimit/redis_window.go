package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript prunes completions older than the window, then admits the
// caller if completions plus reservations are below the maximum. A reservation
// is scored at now+lease so a crashed worker's slot eventually ages out.
// It returns 0 on success, otherwise milliseconds to wait.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]
local lease = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < max then
  redis.call('ZADD', key, now + lease, member)
  redis.call('PEXPIRE', key, window + lease)
  return 0
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
  wait = 1
end
return wait
`)

// RedisWindow shares one rolling window across every worker process.
type RedisWindow struct {
	rdb    *redis.Client
	key    string
	max    int
	window time.Duration
	lease  time.Duration

	now func() time.Time
}

func NewRedisWindow(rdb *redis.Client, key string, max int, window time.Duration) *RedisWindow {
	return &RedisWindow{
		rdb:    rdb,
		key:    key,
		max:    max,
		window: window,
		lease:  10 * time.Minute,
		now:    time.Now,
	}
}

// TryAcquire makes one admission attempt.
func (w *RedisWindow) TryAcquire(ctx context.Context) (release func(), retryAfter time.Duration, err error) {
	member := uuid.NewString()
	wait, err := acquireScript.Run(ctx, w.rdb, []string{w.key},
		w.now().UnixMilli(), w.window.Milliseconds(), w.max, member, w.lease.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, 0, fmt.Errorf("rate limiter acquire: %w", err)
	}
	if wait > 0 {
		return nil, time.Duration(wait) * time.Millisecond, nil
	}

	return func() {
		// the job's context may already be gone; the completion must still be recorded
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := w.rdb.ZAdd(ctx, w.key, redis.Z{Score: float64(w.now().UnixMilli()), Member: member}).Err()
		if err != nil {
			slog.Error("rate limiter release failed", "key", w.key, "err", err)
		}
	}, 0, nil
}

func (w *RedisWindow) Acquire(ctx context.Context) (func(), error) {
	for {
		release, wait, err := w.TryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if release != nil {
			return release, nil
		}
		if wait > maxPoll {
			wait = maxPoll
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
