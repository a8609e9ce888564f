package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

type EventType string

const (
	EventAttemptCompleted    EventType = "attempt_completed"
	EventRetry               EventType = "retry"
	EventBreakerStateChanged EventType = "breaker_state_changed"
	EventHealthChanged       EventType = "health_changed"
)

// Outcome classifies a single proxy attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeClientError    Outcome = "client_error"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeCircuitOpen    Outcome = "circuit_open"
	OutcomePoolExhausted  Outcome = "pool_exhausted"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Route      string
	Target     string
	Outcome    Outcome
	Duration   time.Duration
	StatusCode int
	Healthy    bool
	From       string
	To         string
	State      int // numeric breaker state after the transition
}

// Emitter accepts metric events without blocking the caller.
type Emitter interface {
	Emit(event MetricEvent)
}

type nopEmitter struct{}

func (nopEmitter) Emit(MetricEvent) {}

// Discard is an Emitter that drops every event.
var Discard Emitter = nopEmitter{}

// Collector consumes events on a single goroutine and folds them into the
// JSON snapshot and the Prometheus vectors.
type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	prom     *promMetrics
	registry *prometheus.Registry
	logger   *slog.Logger
	dropped  atomic.Int64
	done     chan struct{}
}

func NewCollector(bufferSize int, log *slog.Logger) *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		eventCh:  make(chan MetricEvent, bufferSize),
		metrics:  NewMetrics(),
		prom:     newPromMetrics(registry),
		registry: registry,
		logger:   logger.Component(log, "metrics"),
		done:     make(chan struct{}),
	}
}

// Emit queues event, dropping it when the buffer is full.
func (c *Collector) Emit(event MetricEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed once the collector has drained its buffer after ctx ended.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")
	defer close(c.done)

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventAttemptCompleted:
		c.metrics.RecordAttempt(event.Route, event.Target, event.Outcome, event.Duration, event.StatusCode)
		c.prom.recordAttempt(event)

	case EventRetry:
		c.metrics.IncrementRetries(event.Route)
		c.prom.retries.WithLabelValues(event.Route).Inc()

	case EventBreakerStateChanged:
		c.metrics.UpdateBreakerState(event.Route, event.Target, event.To)
		c.prom.breakerState.WithLabelValues(event.Route, event.Target).Set(float64(event.State))
		c.prom.breakerTransitions.WithLabelValues(event.Route, event.Target, event.From, event.To).Inc()

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Route, event.Target, event.Healthy)
		healthy := 0.0
		if event.Healthy {
			healthy = 1
		}
		c.prom.instanceHealthy.WithLabelValues(event.Route, event.Target).Set(healthy)

	default:
		c.logger.Debug("Unknown metric event", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
