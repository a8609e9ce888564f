// Package proxy implements the forwarding client of a route.
//
// Each attempt reserves an instance through the balancer, asks that
// instance's circuit breaker for a permit, leases a pooled connection and
// sends the request with the route's request timeout. Responses below 500
// are returned to the caller, 4xx included. Connection errors, timeouts and
// 5xx responses count as breaker failures and are retried up to MaxRetries
// times with exponential backoff, preferring an instance that has not been
// tried yet. The caller's context bounds the whole loop.
package proxy
