package circuitbreaker

import (
	"sync"
)

// Registry owns the breakers of one route, keyed by target endpoint.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
	opts     []Option
}

func NewRegistry(config Config, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config.withDefaults(),
		opts:     opts,
	}
}

// GetBreaker returns the breaker for target, creating it on first use.
func (r *Registry) GetBreaker(target string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[target]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[target]; exists {
		return cb
	}

	cb = NewCircuitBreaker(target, r.config, r.opts...)
	r.breakers[target] = cb
	return cb
}

// Status returns the breaker status for target. A target that has never
// been used reports a fresh Closed breaker.
func (r *Registry) Status(target string) Status {
	r.mutex.RLock()
	cb, exists := r.breakers[target]
	r.mutex.RUnlock()

	if !exists {
		return Status{State: StateClosed}
	}
	return cb.Status()
}

// Reset forces the breaker for target to Closed. Reports whether it existed.
func (r *Registry) Reset(target string) bool {
	r.mutex.RLock()
	cb, exists := r.breakers[target]
	r.mutex.RUnlock()

	if exists {
		cb.Reset()
	}
	return exists
}

// Remove drops the breakers of deregistered targets.
func (r *Registry) Remove(targets ...string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, target := range targets {
		delete(r.breakers, target)
	}
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

func (r *Registry) Stats() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for target, cb := range r.breakers {
		stats[target] = cb.State()
	}
	return stats
}
