package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/angeloszaimis/gateway-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/gateway-proxy/internal/healthcheck"
	"github.com/angeloszaimis/gateway-proxy/internal/loadbalancer"
	"github.com/angeloszaimis/gateway-proxy/internal/metrics"
	"github.com/angeloszaimis/gateway-proxy/internal/pool"
	"github.com/angeloszaimis/gateway-proxy/internal/proxy"
	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/internal/retry"
	"github.com/angeloszaimis/gateway-proxy/internal/strategy"
	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

type settings struct {
	logger       *slog.Logger
	emitter      metrics.Emitter
	breakerClock func() time.Time
}

type Option func(*settings)

func WithLogger(log *slog.Logger) Option {
	return func(s *settings) {
		s.logger = log
	}
}

func WithEmitter(emitter metrics.Emitter) Option {
	return func(s *settings) {
		if emitter != nil {
			s.emitter = emitter
		}
	}
}

// WithBreakerClock replaces time.Now in the route's circuit breakers, for tests.
func WithBreakerClock(now func() time.Time) Option {
	return func(s *settings) {
		s.breakerClock = now
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:  logger.Discard(),
		emitter: metrics.Discard,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// TargetHealth is the health view of one instance.
type TargetHealth struct {
	Target          string    `json:"target"`
	Name            string    `json:"name"`
	Healthy         bool      `json:"healthy"`
	LastHealthCheck time.Time `json:"last_health_check"`
	InFlight        int64     `json:"in_flight"`
	BreakerState    string    `json:"breaker_state"`
}

// Route wires the registry, strategy, breakers, pools, health monitor and
// proxy client of one forwarding path.
type Route struct {
	spec      RouteSpec
	logger    *slog.Logger
	instances *registry.Registry
	breakers  *circuitbreaker.Registry
	pools     *pool.Manager
	monitor   *healthcheck.Monitor
	client    *proxy.Client
}

func NewRoute(spec RouteSpec, opts ...Option) (*Route, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s := newSettings(opts)
	log := s.logger.With(slog.String("route", spec.Name))

	instances, err := registry.New(spec.Instances...)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidRoute, spec.Name, err)
	}

	r := &Route{
		spec:      spec,
		logger:    logger.Component(log, "gateway"),
		instances: instances,
	}

	breakerOpts := []circuitbreaker.Option{
		circuitbreaker.WithStateChangeFunc(r.breakerStateChanged(s.emitter)),
	}
	if s.breakerClock != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithClock(s.breakerClock))
	}
	r.breakers = circuitbreaker.NewRegistry(spec.CircuitBreaker, breakerOpts...)
	r.pools = pool.NewManager(spec.Pool)

	healthConfig := spec.HealthCheck
	if healthConfig.Scheme == "" {
		healthConfig.Scheme = spec.Scheme
	}
	r.monitor = healthcheck.NewMonitor(instances, healthConfig,
		healthcheck.WithLogger(log),
		healthcheck.WithStatusChangeFunc(func(inst *registry.ServiceInstance, healthy bool) {
			s.emitter.Emit(metrics.MetricEvent{
				Type:    metrics.EventHealthChanged,
				Route:   spec.Name,
				Target:  inst.Endpoint(),
				Healthy: healthy,
			})
		}),
	)

	balancer := loadbalancer.NewBalancer(strategy.New(spec.Strategy), spec.Retry.PreferDifferentInstance)
	r.client = proxy.NewClient(proxy.Config{
		Route:           spec.Name,
		Scheme:          spec.Scheme,
		RequestTimeout:  spec.RequestTimeout,
		MaxRetries:      spec.MaxRetries,
		Backoff:         retry.Backoff{Base: spec.Retry.BaseDelay, Max: spec.Retry.MaxDelay},
		HeadersToAdd:    spec.HeadersToAdd,
		HeadersToRemove: spec.HeadersToRemove,
		PathRewrite:     spec.PathRewrite,
	}, instances, balancer, r.breakers, r.pools,
		proxy.WithLogger(log),
		proxy.WithEmitter(s.emitter),
	)

	instances.Subscribe(func(endpoints []string) {
		r.breakers.Remove(endpoints...)
		r.pools.Remove(endpoints...)
	})

	return r, nil
}

func (r *Route) breakerStateChanged(emitter metrics.Emitter) circuitbreaker.StateChangeFunc {
	return func(target string, from, to circuitbreaker.State) {
		attrs := []any{
			slog.String("target", target),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		}
		if to == circuitbreaker.StateOpen {
			r.logger.Warn("Circuit breaker opened", attrs...)
		} else {
			r.logger.Info("Circuit breaker state changed", attrs...)
		}

		emitter.Emit(metrics.MetricEvent{
			Type:   metrics.EventBreakerStateChanged,
			Route:  r.spec.Name,
			Target: target,
			From:   from.String(),
			To:     to.String(),
			State:  int(to),
		})
	}
}

func (r *Route) Name() string {
	return r.spec.Name
}

func (r *Route) PathPattern() string {
	return r.spec.PathPattern
}

func (r *Route) Strategy() strategy.Kind {
	return r.spec.Strategy
}

// Start launches the route's health monitor.
func (r *Route) Start(ctx context.Context) {
	r.monitor.Start(ctx)
	r.logger.Info("Route started",
		slog.String("path", r.spec.PathPattern),
		slog.String("strategy", r.spec.Strategy.String()),
		slog.Int("targets", r.instances.Len()))
}

// Close stops the health monitor and drops every pooled connection.
func (r *Route) Close() {
	r.monitor.Stop()
	r.pools.Close()
	r.logger.Info("Route closed")
}

func (r *Route) Forward(ctx context.Context, req *proxy.Request) (*proxy.Response, error) {
	return r.client.Forward(ctx, req)
}

func (r *Route) knownTarget(target string) error {
	if _, ok := r.instances.Get(target); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return nil
}

func (r *Route) CircuitBreakerStatus(target string) (circuitbreaker.Status, error) {
	if err := r.knownTarget(target); err != nil {
		return circuitbreaker.Status{}, err
	}
	return r.breakers.Status(target), nil
}

// ResetCircuitBreaker forces the target's breaker to Closed.
func (r *Route) ResetCircuitBreaker(target string) error {
	if err := r.knownTarget(target); err != nil {
		return err
	}

	r.breakers.GetBreaker(target).Reset()
	r.logger.Info("Circuit breaker reset", slog.String("target", target))
	return nil
}

// HealthStatus reports every instance in list order.
func (r *Route) HealthStatus() []TargetHealth {
	instances := r.instances.Instances()
	statuses := make([]TargetHealth, 0, len(instances))

	for _, inst := range instances {
		statuses = append(statuses, TargetHealth{
			Target:          inst.Endpoint(),
			Name:            inst.Name(),
			Healthy:         inst.IsHealthy(),
			LastHealthCheck: inst.LastHealthCheck(),
			InFlight:        inst.InFlight(),
			BreakerState:    r.breakers.Status(inst.Endpoint()).State.String(),
		})
	}

	return statuses
}

// TriggerHealthCheck runs one probe cycle now and waits for it.
func (r *Route) TriggerHealthCheck(ctx context.Context) []healthcheck.Result {
	return r.monitor.CheckAll(ctx)
}

// UpdateInstances swaps in a new instance list. Instances whose endpoint
// survives keep their health and in-flight state; removed endpoints lose
// their breaker and pool.
func (r *Route) UpdateInstances(instances []*registry.ServiceInstance) {
	removed := r.instances.Replace(instances)
	r.logger.Info("Route instances updated",
		slog.Int("targets", r.instances.Len()),
		slog.Int("removed", len(removed)))
}

func (r *Route) Instances() []*registry.ServiceInstance {
	return r.instances.Instances()
}

func (r *Route) PoolStats() pool.ManagerStats {
	return r.pools.Stats()
}
