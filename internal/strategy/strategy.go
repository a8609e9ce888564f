package strategy

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/angeloszaimis/gateway-proxy/internal/registry"
)

// ErrNoHealthyInstance is returned when no instance is eligible for selection.
var ErrNoHealthyInstance = errors.New("no healthy instance available")

// Kind is the closed set of selection algorithms.
type Kind int

const (
	RoundRobin Kind = iota
	Weighted
	Random
	LeastConnections
)

func (k Kind) String() string {
	switch k {
	case RoundRobin:
		return "round_robin"
	case Weighted:
		return "weighted"
	case Random:
		return "random"
	case LeastConnections:
		return "least_connections"
	default:
		return "unknown"
	}
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "round_robin", "round-robin":
		return RoundRobin, nil
	case "weighted", "weighted_random", "weighted-random":
		return Weighted, nil
	case "random":
		return Random, nil
	case "least_connections", "least-connections", "least-conn":
		return LeastConnections, nil
	default:
		return 0, fmt.Errorf("unknown load balancing strategy %q", name)
	}
}

// Strategy selects one healthy instance from a route's instance list.
// Only RoundRobin carries state: a cursor that grows without bound and is
// taken modulo the healthy count at selection time.
type Strategy struct {
	kind   Kind
	cursor atomic.Uint64
	intN   func(n int) int
}

func New(kind Kind) *Strategy {
	return &Strategy{kind: kind, intN: rand.IntN}
}

// NewWithSource is New with a custom random source, for deterministic tests.
func NewWithSource(kind Kind, src rand.Source) *Strategy {
	r := rand.New(src)
	var mutex sync.Mutex
	return &Strategy{kind: kind, intN: func(n int) int {
		mutex.Lock()
		defer mutex.Unlock()
		return r.IntN(n)
	}}
}

func (s *Strategy) Kind() Kind {
	return s.kind
}

// Select picks an instance from the healthy subset of instances.
// It never returns an unhealthy instance.
func (s *Strategy) Select(instances []*registry.ServiceInstance) (*registry.ServiceInstance, error) {
	healthy := Healthy(instances)
	if len(healthy) == 0 {
		return nil, ErrNoHealthyInstance
	}

	switch s.kind {
	case RoundRobin:
		return s.roundRobin(healthy), nil
	case Weighted:
		return s.weighted(healthy), nil
	case Random:
		return healthy[s.intN(len(healthy))], nil
	case LeastConnections:
		return leastConnections(healthy), nil
	default:
		return nil, fmt.Errorf("unsupported strategy %d", s.kind)
	}
}

// Healthy returns the healthy subset of instances, preserving order.
func Healthy(instances []*registry.ServiceInstance) []*registry.ServiceInstance {
	healthy := make([]*registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.IsHealthy() {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

func (s *Strategy) roundRobin(healthy []*registry.ServiceInstance) *registry.ServiceInstance {
	n := s.cursor.Add(1)
	return healthy[(n-1)%uint64(len(healthy))]
}

func (s *Strategy) weighted(healthy []*registry.ServiceInstance) *registry.ServiceInstance {
	cumulative := make([]int, len(healthy))
	total := 0
	for i, inst := range healthy {
		total += inst.Weight()
		cumulative[i] = total
	}

	draw := s.intN(total)
	for i, upper := range cumulative {
		if upper > draw {
			return healthy[i]
		}
	}

	return healthy[len(healthy)-1]
}

func leastConnections(healthy []*registry.ServiceInstance) *registry.ServiceInstance {
	best := healthy[0]
	bestCount := best.InFlight()

	for _, inst := range healthy[1:] {
		if count := inst.InFlight(); count < bestCount {
			best = inst
			bestCount = count
		}
	}

	return best
}
