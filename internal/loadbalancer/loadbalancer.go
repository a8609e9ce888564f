package loadbalancer

import (
	"sync"

	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/internal/strategy"
)

// Balancer selects an instance through its strategy and reserves it by
// incrementing the instance's in-flight counter.
type Balancer struct {
	strategy        *strategy.Strategy
	preferDifferent bool
}

func NewBalancer(s *strategy.Strategy, preferDifferent bool) *Balancer {
	return &Balancer{
		strategy:        s,
		preferDifferent: preferDifferent,
	}
}

// Reserve picks an instance and returns a release func that must be called
// once the request to it has finished. Endpoints in exclude are avoided when
// another healthy instance remains.
func (b *Balancer) Reserve(instances []*registry.ServiceInstance, exclude map[string]struct{}) (*registry.ServiceInstance, func(), error) {
	candidates := instances
	if b.preferDifferent && len(exclude) > 0 {
		if untried := b.filterExcluded(instances, exclude); len(untried) > 0 {
			candidates = untried
		}
	}

	chosen, err := b.strategy.Select(candidates)
	if err != nil {
		return nil, nil, err
	}

	chosen.IncrementInFlight()

	var once sync.Once
	release := func() {
		once.Do(chosen.DecrementInFlight)
	}
	return chosen, release, nil
}

func (b *Balancer) filterExcluded(instances []*registry.ServiceInstance, exclude map[string]struct{}) []*registry.ServiceInstance {
	untried := make([]*registry.ServiceInstance, 0, len(instances))

	for _, inst := range instances {
		if _, tried := exclude[inst.Endpoint()]; tried {
			continue
		}
		if inst.IsHealthy() {
			untried = append(untried, inst)
		}
	}

	return untried
}

func (b *Balancer) Strategy() *strategy.Strategy {
	return b.strategy
}
