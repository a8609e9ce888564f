package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/gateway-proxy/config"
	"github.com/angeloszaimis/gateway-proxy/internal/discovery"
	"github.com/angeloszaimis/gateway-proxy/internal/discovery/consul"
	"github.com/angeloszaimis/gateway-proxy/internal/discovery/file"
	"github.com/angeloszaimis/gateway-proxy/internal/gateway"
	"github.com/angeloszaimis/gateway-proxy/internal/httpserver"
	"github.com/angeloszaimis/gateway-proxy/internal/metrics"
	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

// ConfigFileEnv names an explicit config file, overriding the search path.
const ConfigFileEnv = "GATEWAY_CONFIG"

const metricsFlushTimeout = 5 * time.Second

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The collector outlives the signal context so events from shutdown are kept.
	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()

	collector := metrics.NewCollector(cfg.Metrics.BufferSize, log)
	collector.Start(collectorCtx)

	var emitter metrics.Emitter = metrics.Discard
	if cfg.Metrics.Enabled {
		emitter = collector
	}

	gw := gateway.New(gateway.WithLogger(log), gateway.WithEmitter(emitter))
	defer gw.Close()

	sources, err := registerRoutes(ctx, gw, cfg, log)
	if err != nil {
		log.Error("Failed to register routes", slog.Any("err", err))
		os.Exit(1)
	}

	read, write, idle, shutdown := cfg.Server.Timeouts()
	srv, err := httpserver.New(cfg.Server.Address, setupRouter(gw, collector, cfg, log), httpserver.Config{
		ReadTimeout:     read,
		WriteTimeout:    write,
		IdleTimeout:     idle,
		ShutdownTimeout: shutdown,
	})
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, source := range sources {
		g.Go(func() error {
			return watchRoute(gctx, gw, name, source, log)
		})
	}

	g.Go(func() error {
		log.Info("Gateway listening", slog.String("address", cfg.Server.Address))
		return srv.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		return srv.Shutdown(context.Background())
	})

	err = g.Wait()
	gw.Close()
	if !flushMetrics(stopCollector, collector, metricsFlushTimeout) {
		log.Warn("Metrics collector did not drain in time")
	}

	if err != nil {
		log.Error("Gateway stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("Gateway stopped", slog.Int64("dropped_metric_events", collector.Dropped()))
}

// flushMetrics stops the collector and waits for it to drain its buffer.
// It reports false if the drain did not finish within timeout.
func flushMetrics(stop context.CancelFunc, collector *metrics.Collector, timeout time.Duration) bool {
	stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-collector.Done():
		return true
	case <-timer.C:
		return false
	}
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv(ConfigFileEnv); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// registerRoutes registers every configured route and returns the discovery
// sources keyed by route name. A route with no static instances is seeded
// from its source before registration.
func registerRoutes(ctx context.Context, gw *gateway.Gateway, cfg *config.Config, log *slog.Logger) (map[string]discovery.Source, error) {
	sources := make(map[string]discovery.Source)

	for _, rc := range cfg.Routes {
		spec, err := rc.ToRoute()
		if err != nil {
			return nil, err
		}

		source, err := newSource(rc, cfg.Discovery, log)
		if err != nil {
			return nil, err
		}
		if source != nil {
			sources[rc.Name] = source

			if len(spec.Instances) == 0 {
				spec.Instances, err = source.Fetch(ctx)
				if err != nil {
					return nil, fmt.Errorf("seeding route %s: %w", rc.Name, err)
				}
			}
		}

		if _, err := gw.Register(ctx, spec); err != nil {
			return nil, err
		}
	}

	return sources, nil
}

// newSource returns nil for a route without discovery.
func newSource(rc config.RouteConfig, dc config.DiscoveryConfig, log *slog.Logger) (discovery.Source, error) {
	log = log.With(slog.String("route", rc.Name))

	switch rc.Discovery.Type {
	case config.DiscoveryConsul:
		source, err := consul.New(consul.Config{
			Address:     dc.Consul.Address,
			Service:     rc.Discovery.Service,
			Tag:         rc.Discovery.Tag,
			PassingOnly: rc.Discovery.PassingOnly != nil && *rc.Discovery.PassingOnly,
			WaitTime:    dc.Consul.WaitDuration(),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Name, err)
		}
		return source, nil
	case config.DiscoveryFile:
		return file.New(file.Config{
			Path:         rc.Discovery.Path,
			Service:      rc.Discovery.Service,
			PollInterval: rc.PollInterval(),
		}, log), nil
	default:
		return nil, nil
	}
}

// watchRoute feeds a route from its source until ctx is done. A source
// failure is logged and leaves the route on its last instance list.
func watchRoute(ctx context.Context, gw *gateway.Gateway, name string, source discovery.Source, log *slog.Logger) error {
	route, err := gw.Route(name)
	if err != nil {
		return err
	}

	err = source.Watch(ctx, func(instances []*registry.ServiceInstance) {
		if len(instances) == 0 {
			log.Warn("Discovery returned no instances, keeping the current list",
				slog.String("route", name))
			return
		}
		route.UpdateInstances(instances)
	})
	if err != nil {
		log.Error("Discovery watch failed", slog.String("route", name), slog.Any("err", err))
	}
	return nil
}
