package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrDailyCapReached is returned once the daily send cap is exhausted.
var ErrDailyCapReached = errors.New("daily send cap reached")

// Limiter reserves send capacity. Reserve either takes n slots and returns
// true, or takes nothing and returns how long to wait before trying again.
type Limiter interface {
	Reserve(ctx context.Context, key string, n int) (bool, time.Duration, error)
}

// Lua script for an atomic sliding-window reservation plus daily cap.
// Nothing is recorded unless every limit passes.
const slidingWindowLuaScript = `
local key = KEYS[1]
local dayKey = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local dailyCap = tonumber(ARGV[5])
local member = ARGV[6]
local dayTTL = tonumber(ARGV[7])

if window > 0 and limit > 0 then
    redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
    local count = redis.call("ZCARD", key)
    if count + n > limit then
        local idx = count + n - limit - 1
        local entry = redis.call("ZRANGE", key, idx, idx, "WITHSCORES")
        local wait = window
        if entry[2] then
            wait = tonumber(entry[2]) + window - now
        end
        return {0, 1, wait}  -- denied, window full
    end
end

if dailyCap > 0 then
    local day = tonumber(redis.call("GET", dayKey) or "0")
    if day + n > dailyCap then
        return {0, 2, 0}  -- denied, daily cap
    end
end

if window > 0 and limit > 0 then
    for i = 1, n do
        redis.call("ZADD", key, now, member .. ":" .. i)
    end
    redis.call("PEXPIRE", key, window * 2)
end

if dailyCap > 0 then
    local d = redis.call("INCRBY", dayKey, n)
    if d == n then
        redis.call("EXPIRE", dayKey, dayTTL)
    end
end

return {1, 0, 0}
`

// RedisLimiter is a Limiter shared by every worker process talking to the
// same Redis.
type RedisLimiter struct {
	redis    *redis.Client
	script   *redis.Script
	window   time.Duration
	limit    int
	dailyCap int
	now      func() time.Time
}

// NewRedisLimiter allows limit sends per window and dailyCap sends per UTC
// day (0 disables the cap).
func NewRedisLimiter(client *redis.Client, window time.Duration, limit, dailyCap int) *RedisLimiter {
	return &RedisLimiter{
		redis:    client,
		script:   redis.NewScript(slidingWindowLuaScript),
		window:   window,
		limit:    limit,
		dailyCap: dailyCap,
		now:      time.Now,
	}
}

// Reserve implements Limiter.
func (l *RedisLimiter) Reserve(ctx context.Context, key string, n int) (bool, time.Duration, error) {
	if l.limit > 0 && n > l.limit {
		return false, 0, fmt.Errorf("reservation of %d exceeds window limit %d", n, l.limit)
	}
	now := l.now().UTC()

	windowKey := fmt.Sprintf("ratelimit:%s:window", key)
	dailyKey := fmt.Sprintf("ratelimit:%s:day:%s", key, now.Format("2006-01-02"))

	result, err := l.script.Run(ctx, l.redis,
		[]string{windowKey, dailyKey},
		now.UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
		n,
		l.dailyCap,
		uuid.NewString(),
		90000, // daily TTL (25 hours)
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}
	if result[1].(int64) == 2 {
		return false, 0, ErrDailyCapReached
	}
	wait := time.Duration(result[2].(int64)) * time.Millisecond
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait, nil
}

// LocalLimiter is the in-process Limiter used when Redis is not configured.
type LocalLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	limit    int
	dailyCap int
	now      func() time.Time

	stamps map[string][]time.Time
	day    string
	daily  map[string]int
}

// NewLocalLimiter mirrors NewRedisLimiter for a single process.
func NewLocalLimiter(window time.Duration, limit, dailyCap int, now func() time.Time) *LocalLimiter {
	if now == nil {
		now = time.Now
	}
	return &LocalLimiter{
		window:   window,
		limit:    limit,
		dailyCap: dailyCap,
		now:      now,
		stamps:   make(map[string][]time.Time),
		daily:    make(map[string]int),
	}
}

// Reserve implements Limiter.
func (l *LocalLimiter) Reserve(_ context.Context, key string, n int) (bool, time.Duration, error) {
	if l.limit > 0 && n > l.limit {
		return false, 0, fmt.Errorf("reservation of %d exceeds window limit %d", n, l.limit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	sliding := l.window > 0 && l.limit > 0

	var live []time.Time
	if sliding {
		cutoff := now.Add(-l.window)
		for _, ts := range l.stamps[key] {
			if ts.After(cutoff) {
				live = append(live, ts)
			}
		}
		l.stamps[key] = live
		if len(live)+n > l.limit {
			wait := live[len(live)+n-l.limit-1].Add(l.window).Sub(now)
			if wait <= 0 {
				wait = time.Millisecond
			}
			return false, wait, nil
		}
	}

	if l.dailyCap > 0 {
		if day := now.Format("2006-01-02"); day != l.day {
			l.day = day
			l.daily = make(map[string]int)
		}
		if l.daily[key]+n > l.dailyCap {
			return false, 0, ErrDailyCapReached
		}
		l.daily[key] += n
	}

	if sliding {
		for i := 0; i < n; i++ {
			live = append(live, now)
		}
		l.stamps[key] = live
	}
	return true, 0, nil
}
