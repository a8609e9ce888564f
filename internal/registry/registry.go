package registry

import (
	"fmt"
	"sync"
)

// RemovalFunc is called with the endpoints that left the registry.
type RemovalFunc func(endpoints []string)

// Registry holds the ordered instance list for one route.
type Registry struct {
	mutex     sync.RWMutex
	instances []*ServiceInstance
	index     map[string]*ServiceInstance
	onRemove  []RemovalFunc
}

func New(instances ...*ServiceInstance) (*Registry, error) {
	r := &Registry{index: make(map[string]*ServiceInstance)}
	for _, inst := range instances {
		if err := r.Register(inst); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Subscribe registers fn to be notified when endpoints are removed.
func (r *Registry) Subscribe(fn RemovalFunc) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Register appends an instance. Duplicate endpoints are rejected.
func (r *Registry) Register(inst *ServiceInstance) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	endpoint := inst.Endpoint()
	if _, exists := r.index[endpoint]; exists {
		return fmt.Errorf("instance %s already registered", endpoint)
	}

	r.instances = append(r.instances, inst)
	r.index[endpoint] = inst
	return nil
}

// Deregister removes the instance with the given endpoint.
func (r *Registry) Deregister(endpoint string) bool {
	r.mutex.Lock()
	inst, exists := r.index[endpoint]
	if !exists {
		r.mutex.Unlock()
		return false
	}

	delete(r.index, endpoint)
	kept := make([]*ServiceInstance, 0, len(r.instances)-1)
	for _, i := range r.instances {
		if i != inst {
			kept = append(kept, i)
		}
	}
	r.instances = kept
	subscribers := r.onRemove
	r.mutex.Unlock()

	notify(subscribers, []string{endpoint})
	return true
}

// Replace swaps the instance list. Instances whose endpoint is already known
// keep their existing object, so health and in-flight state survive a
// reconfiguration. A reweighted endpoint gets the new object but keeps the
// old health flag. Returns the endpoints that were removed.
func (r *Registry) Replace(instances []*ServiceInstance) []string {
	r.mutex.Lock()

	next := make([]*ServiceInstance, 0, len(instances))
	nextIndex := make(map[string]*ServiceInstance, len(instances))

	for _, inst := range instances {
		endpoint := inst.Endpoint()
		if _, dup := nextIndex[endpoint]; dup {
			continue
		}
		if existing, ok := r.index[endpoint]; ok {
			if sameIdentity(existing, inst) {
				inst = existing
			} else if inst != existing {
				inst.inheritHealth(existing)
			}
		}
		next = append(next, inst)
		nextIndex[endpoint] = inst
	}

	var removed []string
	for _, old := range r.instances {
		if _, ok := nextIndex[old.Endpoint()]; !ok {
			removed = append(removed, old.Endpoint())
		}
	}

	r.instances = next
	r.index = nextIndex
	subscribers := r.onRemove
	r.mutex.Unlock()

	if len(removed) > 0 {
		notify(subscribers, removed)
	}
	return removed
}

// Instances returns a snapshot of the instance list in registration order.
func (r *Registry) Instances() []*ServiceInstance {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]*ServiceInstance, len(r.instances))
	copy(out, r.instances)
	return out
}

// Get returns the instance registered under endpoint.
func (r *Registry) Get(endpoint string) (*ServiceInstance, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	inst, ok := r.index[endpoint]
	return inst, ok
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.instances)
}

// sameIdentity reports whether a replacement describes the same instance,
// so that reweighting an endpoint yields a fresh object.
func sameIdentity(a, b *ServiceInstance) bool {
	return a.name == b.name && a.weight == b.weight
}

func notify(subscribers []RemovalFunc, endpoints []string) {
	for _, fn := range subscribers {
		fn(endpoints)
	}
}
