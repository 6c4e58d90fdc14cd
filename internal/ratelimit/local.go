package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const defaultPerSecond = 5

// LocalLimiter is an in-process token bucket per key. It only paces sends of
// the current process; use the redis limiter when several instances dispatch.
type LocalLimiter struct {
	mu        sync.Mutex
	perSecond rate.Limit
	burst     int
	limiters  map[string]*rate.Limiter
}

var _ Limiter = (*LocalLimiter)(nil)

func NewLocalLimiter(perSecond int) *LocalLimiter {
	if perSecond <= 0 {
		perSecond = defaultPerSecond
	}
	return &LocalLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     1,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) limiter(key string) (*rate.Limiter, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return nil, fmt.Errorf("rate limit key is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[normalized]
	if !ok {
		lim = rate.NewLimiter(l.perSecond, l.burst)
		l.limiters[normalized] = lim
	}
	return lim, nil
}

func (l *LocalLimiter) Allow(ctx context.Context, key string) (bool, error) {
	lim, err := l.limiter(key)
	if err != nil {
		return false, err
	}
	return lim.Allow(), nil
}

func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	lim, err := l.limiter(key)
	if err != nil {
		return err
	}
	return lim.Wait(ctx)
}
