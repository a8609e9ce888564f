package pool

import (
	"sort"
	"sync"
)

// Manager lazily creates one Pool per endpoint.
type Manager struct {
	mutex  sync.RWMutex
	pools  map[string]*Pool
	config Config
}

func NewManager(config Config) *Manager {
	return &Manager{
		pools:  make(map[string]*Pool),
		config: config.withDefaults(),
	}
}

// Get returns the pool for endpoint (host:port), creating it on first use.
func (m *Manager) Get(endpoint string) *Pool {
	m.mutex.RLock()
	p, exists := m.pools[endpoint]
	m.mutex.RUnlock()

	if exists {
		return p
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if p, exists = m.pools[endpoint]; exists {
		return p
	}

	p = newPool(endpoint, m.config)
	m.pools[endpoint] = p
	return p
}

// Remove drops the pools of deregistered endpoints and closes their idle
// connections. Leases already handed out stay valid.
func (m *Manager) Remove(endpoints ...string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, endpoint := range endpoints {
		if p, exists := m.pools[endpoint]; exists {
			p.close()
			delete(m.pools, endpoint)
		}
	}
}

func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for endpoint, p := range m.pools {
		p.close()
		delete(m.pools, endpoint)
	}
}

type ManagerStats struct {
	Endpoints int     `json:"endpoints"`
	InUse     int     `json:"in_use"`
	Pools     []Stats `json:"pools"`
}

func (m *Manager) Stats() ManagerStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := ManagerStats{Endpoints: len(m.pools)}
	for _, p := range m.pools {
		ps := p.Stats()
		stats.InUse += ps.InUse
		stats.Pools = append(stats.Pools, ps)
	}
	sort.Slice(stats.Pools, func(i, j int) bool {
		return stats.Pools[i].Endpoint < stats.Pools[j].Endpoint
	})
	return stats
}
