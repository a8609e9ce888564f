// Package gateway assembles routes.
//
// A Route owns everything one forwarding path needs: the instance registry,
// a load balancing strategy, per-target circuit breakers and connection
// pools, a health monitor and the proxy client that ties them together. It
// also exposes the operational surface: breaker status and reset, health
// status and an on-demand health check.
//
// A Gateway keeps routes by name and manages their lifecycle.
package gateway
