// Package strategy implements the load balancing algorithms:
//
//   - Round Robin: Sequential distribution across healthy instances
//   - Weighted: Random draw proportional to instance weights
//   - Random: Uniform random selection
//   - Least Connections: Instance with the fewest requests in flight
//
// The set is closed: a Strategy value carries its Kind and a single Select
// function dispatches on it. Every algorithm filters to healthy instances
// first and fails with ErrNoHealthyInstance when none are left.
package strategy
