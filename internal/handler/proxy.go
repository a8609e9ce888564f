package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/gateway-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/gateway-proxy/internal/pool"
	"github.com/angeloszaimis/gateway-proxy/internal/proxy"
	"github.com/angeloszaimis/gateway-proxy/internal/strategy"
	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

const (
	BackendHeader = "X-Backend-Server"

	DefaultMaxBodyBytes int64 = 10 << 20
)

// Hop-by-hop headers are meaningful only for a single connection and are
// never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder is the part of a gateway route the proxy handler needs.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, req *proxy.Request) (*proxy.Response, error)
}

type ProxyHandler struct {
	logger       *slog.Logger
	route        Forwarder
	maxBodyBytes int64
}

type ProxyOption func(*ProxyHandler)

// WithMaxBodyBytes caps the request body held in memory for retries.
func WithMaxBodyBytes(n int64) ProxyOption {
	return func(h *ProxyHandler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

func NewProxyHandler(log *slog.Logger, route Forwarder, opts ...ProxyOption) *ProxyHandler {
	h := &ProxyHandler{
		logger:       logger.Component(log, "handler").With(slog.String("route", route.Name())),
		route:        route,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := extractClientIP(r)

	h.logger.Debug("Received request",
		slog.String("from", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("proto", r.Proto),
		slog.String("host", r.Host),
		slog.String("user_agent", r.UserAgent()))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	resp, err := h.route.Forward(r.Context(), &proxy.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: forwardedHeader(r),
		Query:  r.URL.Query(),
		Body:   body,
	})
	if err != nil {
		status := StatusFor(err)
		h.logger.Warn("Request failed",
			slog.String("client", clientIP),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		if r.Context().Err() != nil {
			return
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	h.logger.Info("Request forwarded",
		slog.String("client", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("backend", resp.Target),
		slog.Int("status", resp.StatusCode),
		slog.Int("attempts", resp.Attempts),
		slog.Duration("duration", time.Since(start)))

	header := w.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	removeHopHeaders(header)
	header.Del("Content-Length")
	header.Set(BackendHeader, resp.Target)

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("Failed to write response body", slog.String("error", err.Error()))
	}
}

// StatusFor maps a forwarding error to the status returned to the client.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, proxy.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, strategy.ErrNoHealthyInstance),
		errors.Is(err, circuitbreaker.ErrCircuitOpen),
		errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	default:
		// Transport errors and 5xx responses that exhausted the retries.
		return http.StatusBadGateway
	}
}

func forwardedHeader(r *http.Request) http.Header {
	header := r.Header.Clone()
	removeHopHeaders(header)

	if remote, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+remote)
		} else {
			header.Set("X-Forwarded-For", remote)
		}
	}
	if header.Get("X-Forwarded-Host") == "" {
		header.Set("X-Forwarded-Host", r.Host)
	}
	if header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		header.Set("X-Forwarded-Proto", proto)
	}
	return header
}

func removeHopHeaders(header http.Header) {
	for _, field := range strings.Split(header.Get("Connection"), ",") {
		if field = strings.TrimSpace(field); field != "" {
			header.Del(field)
		}
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
