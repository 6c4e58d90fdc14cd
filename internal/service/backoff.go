package service

import "time"

const (
	defaultRetryBaseDelay = time.Minute
	defaultRetryMaxDelay  = time.Hour
)

// BackoffPolicy computes the wait before retry number n+1 after n failed
// attempts: min(Max, Base*2^(n-1)). The delay never decreases as n grows.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = defaultRetryBaseDelay
	}
	if p.Max <= 0 {
		p.Max = defaultRetryMaxDelay
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		if delay >= p.Max/2 {
			return p.Max
		}
		delay *= 2
	}

	return min(delay, p.Max)
}
