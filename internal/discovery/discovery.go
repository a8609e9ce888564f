package discovery

import (
	"context"

	"github.com/angeloszaimis/gateway-proxy/internal/registry"
)

// UpdateFunc receives the complete instance list each time a source sees a
// change. The list replaces the previous one.
type UpdateFunc func(instances []*registry.ServiceInstance)

// Source feeds a route's instance list from an external system.
type Source interface {
	// Fetch returns the current instance list without waiting for a change.
	Fetch(ctx context.Context) ([]*registry.ServiceInstance, error)

	// Watch blocks, calling update on every change, until ctx is done.
	Watch(ctx context.Context, update UpdateFunc) error
}
