package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
)

const (
	defaultSendsPerSecond = 5
	paceKeyPrefix         = "delivery:pace"
	paceWindow            = time.Second
	minRetryDelay         = 5 * time.Millisecond
)

// reserveScript counts one send in the lane's current window. It returns 0
// when the send may proceed, otherwise the milliseconds until the window
// resets.
var reserveScript = goredis.NewScript(`
local sent = redis.call("INCR", KEYS[1])
if sent == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if sent <= tonumber(ARGV[1]) then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return ttl
`)

var _ ratelimit.Limiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter paces provider lanes across every dispatcher instance that
// shares the same Redis. Each lane gets a window of paceWindow that opens on
// its first send.
type RedisRateLimiter struct {
	client  *goredis.Client
	perLane int
	window  time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, sendsPerSecond int) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if sendsPerSecond <= 0 {
		sendsPerSecond = defaultSendsPerSecond
	}

	return &RedisRateLimiter{
		client:  client,
		perLane: sendsPerSecond,
		window:  paceWindow,
		sleep:   sleepContext,
	}, nil
}

func laneKey(lane string) (string, error) {
	lane = strings.ToLower(strings.TrimSpace(lane))
	if lane == "" {
		return "", fmt.Errorf("rate limit key is required")
	}
	return paceKeyPrefix + ":" + lane, nil
}

// reserve returns zero when a send slot was taken, otherwise how long the
// caller should wait before asking again.
func (r *RedisRateLimiter) reserve(ctx context.Context, lane string) (time.Duration, error) {
	key, err := laneKey(lane)
	if err != nil {
		return 0, err
	}

	ms, err := reserveScript.Run(ctx, r.client, []string{key}, r.perLane, r.window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve send slot for %s: %w", lane, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, lane string) (bool, error) {
	delay, err := r.reserve(ctx, lane)
	if err != nil {
		return false, err
	}
	return delay == 0, nil
}

// Wait blocks until the lane has a free slot in its window or ctx is done.
func (r *RedisRateLimiter) Wait(ctx context.Context, lane string) error {
	for {
		delay, err := r.reserve(ctx, lane)
		if err != nil {
			return err
		}
		if delay == 0 {
			return nil
		}
		if delay < minRetryDelay {
			delay = minRetryDelay
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
