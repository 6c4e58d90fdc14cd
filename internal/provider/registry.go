package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Registry resolves the provider responsible for each channel.
type Registry struct {
	providers map[domain.Channel]Provider
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[domain.Channel]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			continue
		}
		ch := p.Channel()
		if !ch.IsValid() {
			return nil, fmt.Errorf("provider %s has invalid channel %q", p.Name(), ch)
		}
		if existing, ok := r.providers[ch]; ok {
			return nil, fmt.Errorf("channel %s already served by %s", ch, existing.Name())
		}
		r.providers[ch] = p
	}
	return r, nil
}

// For returns the provider for channel, or nil when none is registered.
func (r *Registry) For(channel domain.Channel) Provider {
	if r == nil {
		return nil
	}
	return r.providers[channel]
}

// Health runs TestConfiguration on every provider concurrently.
func (r *Registry) Health(ctx context.Context) []Health {
	if r == nil {
		return nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]Health, 0, len(r.providers))
	)
	for _, p := range r.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			h := p.TestConfiguration(ctx)
			mu.Lock()
			results = append(results, h)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Channel < results[j].Channel
	})
	return results
}
