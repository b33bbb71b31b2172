package resilience

import (
	"sort"
	"sync"
)

// Breaker names used by the escrow engine
const (
	BreakerPaymentGateway = "payment-gateway"
	BreakerNotification   = "notification"
)

// Registry hands out one CircuitBreaker per dependency name
type Registry struct {
	mu       sync.Mutex
	defaults BreakerOptions
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry whose breakers use defaults unless
// created through GetWithOptions
func NewRegistry(defaults BreakerOptions) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it with the registry defaults
func (r *Registry) Get(name string) *CircuitBreaker {
	return r.GetWithOptions(name, r.defaults)
}

// GetWithOptions returns the breaker for name. Options only apply when the
// breaker does not exist yet.
func (r *Registry) GetWithOptions(name string, opts BreakerOptions) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, opts)
	r.breakers[name] = cb
	return cb
}

// Lookup returns the breaker for name without creating it
func (r *Registry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Stats returns a snapshot of every breaker, sorted by name
func (r *Registry) Stats() []BreakerStats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	sort.Slice(breakers, func(i, j int) bool { return breakers[i].name < breakers[j].name })
	stats := make([]BreakerStats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// Reset closes the named breaker; false if it does not exist
func (r *Registry) Reset(name string) bool {
	cb, ok := r.Lookup(name)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ResetAll closes every breaker
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
