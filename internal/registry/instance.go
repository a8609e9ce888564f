package registry

import (
	"errors"
	"maps"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidWeight = errors.New("instance weight must be at least 1")
	ErrInvalidHost   = errors.New("instance host cannot be empty")
	ErrInvalidPort   = errors.New("instance port must be between 1 and 65535")
)

// ServiceInstance is one concrete endpoint backing a logical upstream service.
// Identity, weight and tags are immutable after construction. The health flag
// is written only by the health monitor; the in-flight counter only by the
// proxy client.
type ServiceInstance struct {
	name   string
	host   string
	port   int
	weight int
	tags   map[string]string

	mutex           sync.RWMutex
	healthy         bool
	lastHealthCheck time.Time

	inFlight atomic.Int64
}

// NewServiceInstance creates an instance that starts healthy.
func NewServiceInstance(name, host string, port, weight int) (*ServiceInstance, error) {
	if host == "" {
		return nil, ErrInvalidHost
	}
	if port < 1 || port > 65535 {
		return nil, ErrInvalidPort
	}
	if weight < 1 {
		return nil, ErrInvalidWeight
	}

	return &ServiceInstance{
		name:            name,
		host:            host,
		port:            port,
		weight:          weight,
		tags:            make(map[string]string),
		healthy:         true,
		lastHealthCheck: time.Now(),
	}, nil
}

// MustServiceInstance is NewServiceInstance for static definitions; it panics on error.
func MustServiceInstance(name, host string, port, weight int) *ServiceInstance {
	inst, err := NewServiceInstance(name, host, port, weight)
	if err != nil {
		panic(err)
	}
	return inst
}

// WithTags returns the instance after copying tags onto it. Meant to be
// chained on construction, before the instance is shared.
func (s *ServiceInstance) WithTags(tags map[string]string) *ServiceInstance {
	maps.Copy(s.tags, tags)
	return s
}

func (s *ServiceInstance) Name() string { return s.name }
func (s *ServiceInstance) Host() string { return s.host }
func (s *ServiceInstance) Port() int    { return s.port }
func (s *ServiceInstance) Weight() int  { return s.weight }

// Tag returns the tag value for key.
func (s *ServiceInstance) Tag(key string) (string, bool) {
	v, ok := s.tags[key]
	return v, ok
}

// Tags returns a copy of the instance tags.
func (s *ServiceInstance) Tags() map[string]string {
	return maps.Clone(s.tags)
}

// Endpoint returns host:port, the identity used to key breakers and pools.
func (s *ServiceInstance) Endpoint() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// URL returns the base URL of the instance for the given scheme.
func (s *ServiceInstance) URL(scheme string) *url.URL {
	if scheme == "" {
		scheme = "http"
	}
	return &url.URL{Scheme: scheme, Host: s.Endpoint()}
}

// IsHealthy returns true if the instance is currently eligible for selection.
func (s *ServiceInstance) IsHealthy() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.healthy
}

// LastHealthCheck returns the time of the last health flag update.
func (s *ServiceInstance) LastHealthCheck() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastHealthCheck
}

// SetHealth updates the health flag and stamps the check time.
// Returns true if the flag changed.
func (s *ServiceInstance) SetHealth(healthy bool, at time.Time) (changed bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastHealthCheck = at
	if s.healthy == healthy {
		return false
	}

	s.healthy = healthy
	return true
}

// RecordCheck stamps the check time without touching the health flag.
func (s *ServiceInstance) RecordCheck(at time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastHealthCheck = at
}

// inheritHealth copies the health flag and last check time of prev, for a
// replacement object that has not been published yet.
func (s *ServiceInstance) inheritHealth(prev *ServiceInstance) {
	prev.mutex.RLock()
	healthy, checked := prev.healthy, prev.lastHealthCheck
	prev.mutex.RUnlock()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.healthy = healthy
	s.lastHealthCheck = checked
}

// IncrementInFlight marks the start of a request against this instance.
func (s *ServiceInstance) IncrementInFlight() {
	s.inFlight.Add(1)
}

// DecrementInFlight marks the end of a request. The counter never goes below zero.
func (s *ServiceInstance) DecrementInFlight() {
	for {
		cur := s.inFlight.Load()
		if cur <= 0 {
			return
		}
		if s.inFlight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// InFlight returns the number of requests currently in flight.
func (s *ServiceInstance) InFlight() int64 {
	return s.inFlight.Load()
}

func (s *ServiceInstance) String() string {
	if s.name == "" {
		return s.Endpoint()
	}
	return s.name + "@" + s.Endpoint()
}
