package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type promMetrics struct {
	requests           *prometheus.CounterVec
	attemptDuration    *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	instanceHealthy    *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
}

func newPromMetrics(registry prometheus.Registerer) *promMetrics {
	factory := promauto.With(registry)

	return &promMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_proxy_requests_total",
				Help: "Proxy attempts by route, target and outcome",
			},
			[]string{"route", "target", "outcome"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_proxy_attempt_duration_seconds",
				Help:    "Duration of proxy attempts that reached the network",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "target"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_proxy_retries_total",
				Help: "Retries scheduled after a retryable failure",
			},
			[]string{"route"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"route", "target"},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"route", "target", "from", "to"},
		),
		instanceHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_instance_healthy",
				Help: "Health flag of each instance as seen by the health monitor",
			},
			[]string{"route", "target"},
		),
		poolExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_pool_exhausted_total",
				Help: "Attempts that could not obtain a pooled connection",
			},
			[]string{"route", "target"},
		),
	}
}

func (p *promMetrics) recordAttempt(event MetricEvent) {
	p.requests.WithLabelValues(event.Route, event.Target, string(event.Outcome)).Inc()

	switch event.Outcome {
	case OutcomePoolExhausted:
		p.poolExhausted.WithLabelValues(event.Route, event.Target).Inc()
	case OutcomeCircuitOpen:
	default:
		p.attemptDuration.WithLabelValues(event.Route, event.Target).Observe(event.Duration.Seconds())
	}
}
