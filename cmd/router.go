package main

import (
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/gateway-proxy/config"
	"github.com/angeloszaimis/gateway-proxy/internal/gateway"
	"github.com/angeloszaimis/gateway-proxy/internal/handler"
	"github.com/angeloszaimis/gateway-proxy/internal/metrics"
)

// setupRouter mounts each route at its path pattern, plus the metrics and
// admin endpoints. Path matching is left to http.ServeMux.
func setupRouter(gw *gateway.Gateway, collector *metrics.Collector, cfg *config.Config, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	for _, route := range gw.Routes() {
		mux.Handle(route.PathPattern(), handler.NewProxyHandler(log, route))
	}

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, collector.PrometheusHandler())
		mux.HandleFunc("GET "+cfg.Metrics.StatsPath, collector.Handler())
	}

	if cfg.Server.Admin {
		mux.Handle(config.AdminPrefix, handler.NewAdminHandler(log, gw))
	}

	return mux
}
