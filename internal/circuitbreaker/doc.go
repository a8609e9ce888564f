// Package circuitbreaker implements per-target circuit breaking.
//
// A circuit breaker prevents cascading failures by failing fast against a
// target that keeps failing. It has three states:
//
//   - CLOSED: Normal operation, calls pass through
//   - OPEN: Target failing, calls rejected without network I/O
//   - HALF-OPEN: A bounded number of concurrent probes test recovery
//
// The OPEN to HALF-OPEN transition is evaluated lazily in Allow; there is no
// timer per breaker.
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
//	cb := registry.GetBreaker("10.0.0.1:8080")
//	permit, err := cb.Allow()
//	if err != nil {
//	    // skip this target
//	}
//	if err := call(); err != nil {
//	    permit.Failure()
//	} else {
//	    permit.Success()
//	}
package circuitbreaker
