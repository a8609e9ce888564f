package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

// Metrics is the in-memory view served as JSON at /stats.
type Metrics struct {
	mutex     sync.RWMutex
	routes    map[string]*routeMetrics
	startTime time.Time
}

type routeMetrics struct {
	retries int64
	targets map[string]*targetMetrics
}

type targetMetrics struct {
	attempts      int64
	outcomes      map[Outcome]int64
	responseTimes []time.Duration
	statusCodes   map[int]int64
	healthy       *bool
	breakerState  string
}

type Snapshot struct {
	TotalAttempts int64                   `json:"total_attempts"`
	Uptime        time.Duration           `json:"uptime"`
	Routes        map[string]RouteMetrics `json:"routes"`
}

type RouteMetrics struct {
	Retries int64                    `json:"retries"`
	Targets map[string]TargetMetrics `json:"targets"`
}

type TargetMetrics struct {
	Attempts     int64             `json:"attempts"`
	Outcomes     map[Outcome]int64 `json:"outcomes"`
	Healthy      bool              `json:"healthy"`
	BreakerState string            `json:"breaker_state,omitempty"`
	AvgResponse  time.Duration     `json:"avg_response"`
	P50Response  time.Duration     `json:"p50_response"`
	P95Response  time.Duration     `json:"p95_response"`
	P99Response  time.Duration     `json:"p99_response"`
	StatusCodes  map[int]int64     `json:"status_codes"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		routes:    make(map[string]*routeMetrics),
		startTime: time.Now(),
	}
}

func (m *Metrics) target(route, target string) *targetMetrics {
	r, ok := m.routes[route]
	if !ok {
		r = &routeMetrics{targets: make(map[string]*targetMetrics)}
		m.routes[route] = r
	}
	t, ok := r.targets[target]
	if !ok {
		t = &targetMetrics{
			outcomes:    make(map[Outcome]int64),
			statusCodes: make(map[int]int64),
		}
		r.targets[target] = t
	}
	return t
}

func (m *Metrics) RecordAttempt(route, target string, outcome Outcome, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	t := m.target(route, target)
	t.attempts++
	t.outcomes[outcome]++

	if outcome == OutcomeCircuitOpen || outcome == OutcomePoolExhausted {
		return
	}

	t.responseTimes = append(t.responseTimes, duration)
	if len(t.responseTimes) > maxSamples {
		t.responseTimes = t.responseTimes[1:]
	}
	if statusCode > 0 {
		t.statusCodes[statusCode]++
	}
}

func (m *Metrics) IncrementRetries(route string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	r, ok := m.routes[route]
	if !ok {
		r = &routeMetrics{targets: make(map[string]*targetMetrics)}
		m.routes[route] = r
	}
	r.retries++
}

func (m *Metrics) UpdateHealthStatus(route, target string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.target(route, target).healthy = &healthy
}

func (m *Metrics) UpdateBreakerState(route, target, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.target(route, target).breakerState = state
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime: time.Since(m.startTime),
		Routes: make(map[string]RouteMetrics, len(m.routes)),
	}

	for name, r := range m.routes {
		rm := RouteMetrics{
			Retries: r.retries,
			Targets: make(map[string]TargetMetrics, len(r.targets)),
		}

		for target, t := range r.targets {
			snap.TotalAttempts += t.attempts

			tm := TargetMetrics{
				Attempts:     t.attempts,
				Outcomes:     make(map[Outcome]int64, len(t.outcomes)),
				Healthy:      t.healthy == nil || *t.healthy,
				BreakerState: t.breakerState,
				StatusCodes:  make(map[int]int64, len(t.statusCodes)),
			}
			for k, v := range t.outcomes {
				tm.Outcomes[k] = v
			}
			for k, v := range t.statusCodes {
				tm.StatusCodes[k] = v
			}

			if len(t.responseTimes) > 0 {
				sorted := make([]time.Duration, len(t.responseTimes))
				copy(sorted, t.responseTimes)
				sort.Slice(sorted, func(i, j int) bool {
					return sorted[i] < sorted[j]
				})

				tm.AvgResponse = average(sorted)
				tm.P50Response = percentile(sorted, 0.50)
				tm.P95Response = percentile(sorted, 0.95)
				tm.P99Response = percentile(sorted, 0.99)
			}

			rm.Targets[target] = tm
		}

		snap.Routes[name] = rm
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
