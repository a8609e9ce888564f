// Package metrics collects proxy, breaker and health metrics.
//
// Components emit MetricEvent values through an Emitter; the Collector
// consumes them on a dedicated goroutine so the request path never blocks.
// Each event updates two views:
//   - an in-memory Snapshot per route and target with attempt outcomes,
//     response time percentiles (P50, P95, P99) and status codes, served as
//     JSON
//   - Prometheus vectors on a private registry, served in the exposition
//     format
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventAttemptCompleted,
//		Route:      "users",
//		Target:     "10.0.0.1:8080",
//		Outcome:    metrics.OutcomeSuccess,
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
// A full buffer drops events rather than blocking. On shutdown the collector
// drains whatever is still queued.
package metrics
