package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

// Gateway is the set of registered routes, keyed by name.
type Gateway struct {
	mutex  sync.RWMutex
	routes map[string]*Route
	opts   []Option
	logger *slog.Logger
}

func New(opts ...Option) *Gateway {
	s := newSettings(opts)
	return &Gateway{
		routes: make(map[string]*Route),
		opts:   opts,
		logger: logger.Component(s.logger, "gateway"),
	}
}

// Register builds a route from spec and starts its health monitor.
func (g *Gateway) Register(ctx context.Context, spec RouteSpec) (*Route, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, exists := g.routes[spec.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrRouteExists, spec.Name)
	}

	route, err := NewRoute(spec, g.opts...)
	if err != nil {
		return nil, err
	}

	g.routes[spec.Name] = route
	route.Start(ctx)

	g.logger.Info("Route registered", slog.String("route", spec.Name))
	return route, nil
}

// Deregister stops and removes a route.
func (g *Gateway) Deregister(name string) error {
	g.mutex.Lock()
	route, exists := g.routes[name]
	delete(g.routes, name)
	g.mutex.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, name)
	}

	route.Close()
	g.logger.Info("Route deregistered", slog.String("route", name))
	return nil
}

func (g *Gateway) Route(name string) (*Route, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	route, exists := g.routes[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, name)
	}
	return route, nil
}

// Routes returns every route sorted by name.
func (g *Gateway) Routes() []*Route {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	routes := make([]*Route, 0, len(g.routes))
	for _, route := range g.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Name() < routes[j].Name()
	})
	return routes
}

// Close stops every route.
func (g *Gateway) Close() {
	g.mutex.Lock()
	routes := g.routes
	g.routes = make(map[string]*Route)
	g.mutex.Unlock()

	for _, route := range routes {
		route.Close()
	}
}
