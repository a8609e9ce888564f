// Package handler adapts gateway routes to net/http. ProxyHandler forwards
// one route's traffic; AdminHandler exposes health and circuit breaker
// operations as JSON endpoints.
package handler
