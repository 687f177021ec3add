package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"budgetbuddy/internal/log"
)

// KEYS[1] window key
// ARGV now_ms, cutoff_ms, limit, ttl_ms, member
var takeScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local count = redis.call("ZCARD", KEYS[1])
local admitted = 0
if count < tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], ARGV[1], ARGV[5])
  count = count + 1
  admitted = 1
end
redis.call("PEXPIRE", KEYS[1], ARGV[4])
local first = redis.call("ZRANGE", KEYS[1], "0", "0", "WITHSCORES")
local oldest = -1
if first[2] then
  oldest = tonumber(first[2])
end
return {count, admitted, oldest}
`)

// KEYS[1] window key
// ARGV cutoff_ms
var sweepScript = redis.NewScript(`
local last = redis.call("ZRANGE", KEYS[1], "-1", "-1", "WITHSCORES")
if (not last[2]) or tonumber(last[2]) <= tonumber(ARGV[1]) then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// RedisStore keeps windows in sorted sets so several API processes share one quota.
// Keys expire after twice the period, and Sweep catches anything left behind.
type RedisStore struct {
	Client   redis.UniversalClient
	Prefix   string
	Timeout  time.Duration
	Fallback Store

	logger   *log.Logger
	instance string
	seq      atomic.Uint64
}

// NewRedisStore creates a store backed by client with an in-memory fallback
// for when Redis is unreachable.
func NewRedisStore(client redis.UniversalClient, logger *log.Logger) *RedisStore {
	if logger == nil {
		logger = log.Discard()
	}
	return &RedisStore{
		Client:   client,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewMemoryStore(),
		logger:   logger.WithComponent(log.ComponentRateLimit),
		instance: uuid.NewString(),
	}
}

func (s *RedisStore) Take(ctx context.Context, key string, now time.Time, period time.Duration, limit int) (Window, error) {
	if s.Client == nil {
		return s.fallbackTake(ctx, key, now, period, limit, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	member := fmt.Sprintf("%s:%d:%d", s.instance, now.UnixNano(), s.seq.Add(1))
	res, err := takeScript.Run(ctx, s.Client, []string{s.Prefix + key},
		now.UnixMilli(),
		now.Add(-period).UnixMilli(),
		limit,
		(2 * period).Milliseconds(),
		member,
	).Int64Slice()
	if err != nil {
		return s.fallbackTake(ctx, key, now, period, limit, err)
	}
	if len(res) < 3 {
		return s.fallbackTake(ctx, key, now, period, limit, fmt.Errorf("unexpected script reply %v", res))
	}

	w := Window{Count: int(res[0]), Admitted: res[1] == 1}
	if res[2] >= 0 {
		w.Oldest = time.UnixMilli(res[2])
	}
	return w, nil
}

func (s *RedisStore) fallbackTake(ctx context.Context, key string, now time.Time, period time.Duration, limit int, cause error) (Window, error) {
	if s.Fallback == nil {
		if cause == nil {
			cause = fmt.Errorf("no redis client configured")
		}
		return Window{}, fmt.Errorf("rate limit store: %w", cause)
	}
	if cause != nil {
		s.logger.WarnContext(ctx, "redis unavailable, using in-memory window",
			log.FieldIdentityKey, key,
			log.FieldError, cause.Error())
	}
	return s.Fallback.Take(ctx, key, now, period, limit)
}

func (s *RedisStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	if s.Fallback != nil {
		n, _ := s.Fallback.Sweep(ctx, cutoff)
		removed += n
	}
	if s.Client == nil {
		return removed, nil
	}

	cutoffMs := strconv.FormatInt(cutoff.UnixMilli(), 10)
	err := s.scan(ctx, func(key string) error {
		n, err := sweepScript.Run(ctx, s.Client, []string{key}, cutoffMs).Int()
		if err != nil {
			return err
		}
		removed += n
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to sweep rate limit windows: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) Size(ctx context.Context) (int, error) {
	if s.Client == nil {
		if s.Fallback != nil {
			return s.Fallback.Size(ctx)
		}
		return 0, nil
	}
	total := 0
	err := s.scan(ctx, func(string) error {
		total++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count rate limit windows: %w", err)
	}
	return total, nil
}

func (s *RedisStore) scan(ctx context.Context, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.Client.Scan(ctx, cursor, s.Prefix+"*", 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
