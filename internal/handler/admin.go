package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/gateway-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/gateway-proxy/internal/gateway"
	"github.com/angeloszaimis/gateway-proxy/internal/pool"
	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

// RouteLookup is the part of the gateway the admin endpoints need.
type RouteLookup interface {
	Route(name string) (*gateway.Route, error)
	Routes() []*gateway.Route
}

type AdminHandler struct {
	logger *slog.Logger
	routes RouteLookup
	mux    *http.ServeMux
}

type routeSummary struct {
	Name     string            `json:"name"`
	Path     string            `json:"path"`
	Strategy string            `json:"strategy"`
	Targets  int               `json:"targets"`
	Pools    pool.ManagerStats `json:"pools"`
}

type breakerStatus struct {
	Target               string `json:"target"`
	State                string `json:"state"`
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	HalfOpenSuccesses    int    `json:"half_open_successes"`
	TimeSinceLastFailure string `json:"time_since_last_failure,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func NewAdminHandler(log *slog.Logger, routes RouteLookup) *AdminHandler {
	h := &AdminHandler{
		logger: logger.Component(log, "admin"),
		routes: routes,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/routes", h.listRoutes)
	h.mux.HandleFunc("GET /admin/routes/{route}/health", h.health)
	h.mux.HandleFunc("POST /admin/routes/{route}/health/check", h.triggerHealthCheck)
	h.mux.HandleFunc("GET /admin/routes/{route}/breakers/{target}", h.breaker)
	h.mux.HandleFunc("POST /admin/routes/{route}/breakers/{target}/reset", h.resetBreaker)
	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes := h.routes.Routes()
	summaries := make([]routeSummary, 0, len(routes))
	for _, route := range routes {
		summaries = append(summaries, routeSummary{
			Name:     route.Name(),
			Path:     route.PathPattern(),
			Strategy: route.Strategy().String(),
			Targets:  len(route.Instances()),
			Pools:    route.PoolStats(),
		})
	}
	h.writeJSON(w, http.StatusOK, summaries)
}

func (h *AdminHandler) health(w http.ResponseWriter, r *http.Request) {
	route, ok := h.route(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, route.HealthStatus())
}

func (h *AdminHandler) triggerHealthCheck(w http.ResponseWriter, r *http.Request) {
	route, ok := h.route(w, r)
	if !ok {
		return
	}

	results := route.TriggerHealthCheck(r.Context())
	h.logger.Info("Manual health check completed",
		slog.String("route", route.Name()),
		slog.Int("targets", len(results)))
	h.writeJSON(w, http.StatusOK, results)
}

func (h *AdminHandler) breaker(w http.ResponseWriter, r *http.Request) {
	route, ok := h.route(w, r)
	if !ok {
		return
	}

	target := r.PathValue("target")
	status, err := route.CircuitBreakerStatus(target)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toBreakerStatus(target, status))
}

func (h *AdminHandler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	route, ok := h.route(w, r)
	if !ok {
		return
	}

	target := r.PathValue("target")
	if err := route.ResetCircuitBreaker(target); err != nil {
		h.writeError(w, err)
		return
	}

	status, err := route.CircuitBreakerStatus(target)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toBreakerStatus(target, status))
}

func (h *AdminHandler) route(w http.ResponseWriter, r *http.Request) (*gateway.Route, bool) {
	route, err := h.routes.Route(r.PathValue("route"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return route, true
}

func toBreakerStatus(target string, status circuitbreaker.Status) breakerStatus {
	out := breakerStatus{
		Target:              target,
		State:               status.State.String(),
		ConsecutiveFailures: status.ConsecutiveFailures,
		HalfOpenSuccesses:   status.HalfOpenSuccesses,
	}
	if status.TimeSinceLastFailure > 0 {
		out.TimeSinceLastFailure = status.TimeSinceLastFailure.String()
	}
	return out
}

func (h *AdminHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, gateway.ErrRouteNotFound) || errors.Is(err, gateway.ErrUnknownTarget) {
		status = http.StatusNotFound
	}
	h.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}
