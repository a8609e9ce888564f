// Package healthcheck implements the active health monitor of a route.
//
// A Monitor periodically sends GET requests to the health path of every
// instance, healthy or not, with its own per-probe timeout. Consecutive
// failures mark an instance unhealthy once they reach UnhealthyThreshold;
// consecutive successes bring it back once they reach HealthyThreshold.
// The monitor is the only writer of instance health flags and never touches
// circuit breakers.
package healthcheck
