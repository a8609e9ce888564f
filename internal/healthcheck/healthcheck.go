package healthcheck

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

const (
	DefaultPath               = "/health"
	DefaultInterval           = 10 * time.Second
	DefaultTimeout            = 2 * time.Second
	DefaultHealthyThreshold   = 2
	DefaultUnhealthyThreshold = 3

	maxParallelProbes = 16
)

type Config struct {
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int
	Scheme             string
}

func DefaultConfig() Config {
	return Config{
		Path:               DefaultPath,
		Interval:           DefaultInterval,
		Timeout:            DefaultTimeout,
		HealthyThreshold:   DefaultHealthyThreshold,
		UnhealthyThreshold: DefaultUnhealthyThreshold,
		Scheme:             "http",
	}
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = DefaultHealthyThreshold
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	return c
}

// StatusChangeFunc is called after an instance's health flag flipped.
type StatusChangeFunc func(inst *registry.ServiceInstance, healthy bool)

// Result is the outcome of probing one instance.
type Result struct {
	Target     string        `json:"target"`
	Healthy    bool          `json:"healthy"`
	Changed    bool          `json:"changed"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Latency    time.Duration `json:"latency"`
}

type counter struct {
	successes int
	failures  int
}

// Monitor probes every instance of a registry and flips health flags after
// consecutive successes or failures cross their thresholds.
type Monitor struct {
	registry       *registry.Registry
	config         Config
	client         *http.Client
	logger         *slog.Logger
	now            func() time.Time
	onStatusChange StatusChangeFunc

	mutex    sync.Mutex
	counters map[string]*counter

	runMutex sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

type Option func(*Monitor)

func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger.Component(log, "healthcheck")
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) {
		m.client = client
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func WithStatusChangeFunc(fn StatusChangeFunc) Option {
	return func(m *Monitor) {
		m.onStatusChange = fn
	}
}

func NewMonitor(reg *registry.Registry, config Config, opts ...Option) *Monitor {
	m := &Monitor{
		registry: reg,
		config:   config.withDefaults(),
		client:   &http.Client{},
		logger:   logger.Component(nil, "healthcheck"),
		now:      time.Now,
		counters: make(map[string]*counter),
	}
	for _, opt := range opts {
		opt(m)
	}

	reg.Subscribe(m.forget)
	return m
}

// Start launches the probe loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()

	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx, m.done)
}

// Stop cancels the probe loop and waits for it to exit. Safe to call more
// than once.
func (m *Monitor) Stop() {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()

	if m.cancel == nil {
		return
	}

	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

func (m *Monitor) Running() bool {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()
	return m.cancel != nil
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.logger.Info("Health monitor started",
		slog.Duration("interval", m.config.Interval),
		slog.String("path", m.config.Path))

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return

		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered instance once, healthy or not, and
// returns the results in registry order.
func (m *Monitor) CheckAll(ctx context.Context) []Result {
	instances := m.registry.Instances()
	results := make([]Result, len(instances))

	var g errgroup.Group
	g.SetLimit(maxParallelProbes)

	for i, inst := range instances {
		g.Go(func() error {
			results[i] = m.check(ctx, inst)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (m *Monitor) check(ctx context.Context, inst *registry.ServiceInstance) Result {
	start := m.now()
	statusCode, err := m.probe(ctx, inst)
	result := Result{
		Target:     inst.Endpoint(),
		StatusCode: statusCode,
		Latency:    m.now().Sub(start),
	}
	if err != nil {
		result.Error = err.Error()
	}

	// A probe cut short by shutdown says nothing about the instance.
	if ctx.Err() != nil {
		result.Healthy = inst.IsHealthy()
		return result
	}

	result.Changed = m.apply(inst, err == nil)
	result.Healthy = inst.IsHealthy()
	return result
}

func (m *Monitor) probe(ctx context.Context, inst *registry.ServiceInstance) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	healthURL := inst.URL(m.config.Scheme).JoinPath(m.config.Path)

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, healthURL.String(), nil)
	if err != nil {
		return 0, err
	}

	res, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return res.StatusCode, fmt.Errorf("health endpoint returned %d", res.StatusCode)
	}
	return res.StatusCode, nil
}

// apply folds one probe outcome into the instance's counters and reports
// whether the health flag changed.
func (m *Monitor) apply(inst *registry.ServiceInstance, success bool) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Deregistered while the probe was in flight.
	if _, ok := m.registry.Get(inst.Endpoint()); !ok {
		return false
	}

	c, ok := m.counters[inst.Endpoint()]
	if !ok {
		c = &counter{}
		m.counters[inst.Endpoint()] = c
	}

	now := m.now()
	if success {
		c.successes++
		c.failures = 0
	} else {
		c.failures++
		c.successes = 0
	}

	healthy := inst.IsHealthy()
	switch {
	case !healthy && c.successes >= m.config.HealthyThreshold:
		healthy = true
	case healthy && c.failures >= m.config.UnhealthyThreshold:
		healthy = false
	default:
		inst.RecordCheck(now)
		return false
	}

	if !inst.SetHealth(healthy, now) {
		return false
	}

	if healthy {
		m.logger.Info("Instance is back up", slog.String("target", inst.Endpoint()))
	} else {
		m.logger.Warn("Instance is down",
			slog.String("target", inst.Endpoint()),
			slog.Int("consecutive_failures", c.failures))
	}
	if m.onStatusChange != nil {
		m.onStatusChange(inst, healthy)
	}
	return true
}

func (m *Monitor) forget(endpoints []string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, endpoint := range endpoints {
		delete(m.counters, endpoint)
	}
}

// Tracked returns the number of instances with probe counters.
func (m *Monitor) Tracked() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.counters)
}
