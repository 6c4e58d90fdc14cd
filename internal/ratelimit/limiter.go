package ratelimit

import "context"

// Limiter paces provider sends. Keys name a provider lane, e.g. "sms".
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
