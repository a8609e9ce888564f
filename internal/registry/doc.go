// Package registry holds the upstream service instances known to a route:
// their identity, weight, health flag and in-flight request counter.
package registry
