package resilience

import (
	"sort"
	"sync"
)

// Registry maps service keys to lazily-created breakers so that every
// call site for the same logical service shares failure state. It is an
// explicitly constructed, injectable component: tests supply a fresh
// registry per case to avoid cross-test leakage.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewRegistry creates an empty registry whose breakers use cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg}
}

// For returns the breaker for a bare service name, creating it on first
// access. Entries live for the registry lifetime.
func (r *Registry) For(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = NewBreaker(service, r.cfg)
		r.breakers[service] = b
	}
	return b
}

// ForTier returns a tier-isolated breaker so that, say, a free-tier
// outage cannot trip the breaker paying callers see.
func (r *Registry) ForTier(service, tier string) *Breaker {
	if tier == "" {
		return r.For(service)
	}
	return r.For(service + "|" + tier)
}

// Stats returns snapshots for every known breaker, sorted by service key.
func (r *Registry) Stats() []BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// ResetAll resets every breaker to closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
