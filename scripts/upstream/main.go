// Upstream is a test HTTP server for exercising the gateway. It echoes every
// request as JSON, serves /health, and can be told to fail.
//
// Usage:
//
//	go run ./scripts/upstream -port 8081 -name users-1
//
// Fault injection:
//
//	curl -X POST 'localhost:8081/_fault?status=500'          # fail data requests
//	curl -X POST 'localhost:8081/_fault?health=503'          # fail health probes
//	curl -X POST 'localhost:8081/_fault?delay=2s'            # slow every response
//	curl -X DELETE localhost:8081/_fault                     # back to normal
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

type fault struct {
	mutex        sync.RWMutex
	status       int
	healthStatus int
	delay        time.Duration
}

func (f *fault) get() (status, healthStatus int, delay time.Duration) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.status, f.healthStatus, f.delay
}

// echo is the response body of every data request.
type echo struct {
	ID        string              `json:"id"`
	Instance  string              `json:"instance"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Query     string              `json:"query,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
	Headers   map[string][]string `json:"headers"`
	BodyBytes int                 `json:"body_bytes"`
}

func main() {
	port := flag.Int("port", 8081, "port to listen on")
	name := flag.String("name", "", "instance name reported in responses (default upstream-<port>)")
	failRate := flag.Float64("fail-rate", 0, "fraction of data requests answered with 500")
	flag.Parse()

	if *name == "" {
		*name = fmt.Sprintf("upstream-%d", *port)
	}
	log := logger.New("info", false, "dev").With(slog.String("instance", *name))

	f := &fault{}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, healthStatus, _ := f.get()
		if healthStatus != 0 {
			w.WriteHeader(healthStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /_fault", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f.mutex.Lock()
		defer f.mutex.Unlock()

		if v := q.Get("status"); v != "" {
			f.status, _ = strconv.Atoi(v)
		}
		if v := q.Get("health"); v != "" {
			f.healthStatus, _ = strconv.Atoi(v)
		}
		if v := q.Get("delay"); v != "" {
			f.delay, _ = time.ParseDuration(v)
		}
		log.Info("Fault set",
			slog.Int("status", f.status),
			slog.Int("health", f.healthStatus),
			slog.Duration("delay", f.delay))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /_fault", func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		f.status, f.healthStatus, f.delay = 0, 0, 0
		f.mutex.Unlock()
		log.Info("Fault cleared")
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		status, _, delay := f.get()
		if delay > 0 {
			time.Sleep(delay)
		}
		if status == 0 && *failRate > 0 && rand.Float64() < *failRate {
			status = http.StatusInternalServerError
		}

		log.Info("Request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("from", r.RemoteAddr),
			slog.String("request_id", r.Header.Get("X-Request-Id")),
			slog.Int("status", max(status, http.StatusOK)))

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echo{
			ID:        uuid.NewString(),
			Instance:  *name,
			Method:    r.Method,
			Path:      r.URL.Path,
			Query:     r.URL.RawQuery,
			RequestID: r.Header.Get("X-Request-Id"),
			Headers:   r.Header,
			BodyBytes: len(body),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Info("Starting upstream", slog.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
