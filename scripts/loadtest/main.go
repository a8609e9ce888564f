// Loadtest sends concurrent requests through the gateway and reports
// throughput, latency percentiles and the spread across upstream instances
// (read from the X-Backend-Server response header).
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:8080/users/ -concurrency 10 -requests 1000
//	go run ./scripts/loadtest -url http://localhost:8080/users/ -method POST -body '{"a":1}' -out summary.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

type sample struct {
	backend  string
	status   int
	duration time.Duration
	err      error
}

type backendSummary struct {
	Total   int     `json:"total"`
	Success int     `json:"success"`
	Failure int     `json:"failure"`
	P50     float64 `json:"p50_ms"`
	P90     float64 `json:"p90_ms"`
	P99     float64 `json:"p99_ms"`
}

type report struct {
	Target        string                    `json:"target"`
	Requests      int                       `json:"requests"`
	Concurrency   int                       `json:"concurrency"`
	Success       int                       `json:"success"`
	Failure       int                       `json:"failure"`
	DurationMs    int64                     `json:"duration_ms"`
	ThroughputRPS float64                   `json:"throughput_rps"`
	StatusCodes   map[int]int               `json:"status_codes"`
	Backends      map[string]backendSummary `json:"backends"`
}

func main() {
	var (
		url         = flag.String("url", "http://localhost:8080/", "Target URL")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		requests    = flag.Int("requests", 100, "Total number of requests to send")
		method      = flag.String("method", http.MethodGet, "HTTP method")
		body        = flag.String("body", "", "Request body")
		contentType = flag.String("content-type", "application/json", "Content-Type header")
		timeout     = flag.Duration("timeout", 10*time.Second, "Per-request timeout")
		outJSON     = flag.String("out", "", "Write JSON summary to this file (optional)")
		verbose     = flag.Bool("v", false, "Verbose per-request logging to stdout")
	)
	flag.Parse()

	client := &http.Client{Timeout: *timeout}
	samples := make([]sample, *requests)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*concurrency)

	start := time.Now()
	for i := range *requests {
		g.Go(func() error {
			samples[i] = send(ctx, client, *method, *url, *body, *contentType)
			if *verbose {
				s := samples[i]
				fmt.Printf("idx=%d backend=%s status=%d dur=%v err=%v\n", i, s.backend, s.status, s.duration, s.err)
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	r := summarize(samples, elapsed)
	r.Target = *url
	r.Concurrency = *concurrency
	printReport(r, samples)

	if *outJSON != "" {
		if err := write(*outJSON, r); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write json summary: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if r.Failure > 0 {
		os.Exit(2)
	}
}

func send(ctx context.Context, client *http.Client, method, url, body, contentType string) sample {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return sample{err: err}
	}
	if body != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return sample{duration: time.Since(start), err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	backend := resp.Header.Get("X-Backend-Server")
	if backend == "" {
		backend = "(none)"
	}
	return sample{backend: backend, status: resp.StatusCode, duration: time.Since(start)}
}

func ok(s sample) bool {
	return s.err == nil && s.status >= 200 && s.status < 300
}

func summarize(samples []sample, elapsed time.Duration) report {
	r := report{
		Requests:      len(samples),
		DurationMs:    elapsed.Milliseconds(),
		ThroughputRPS: float64(len(samples)) / elapsed.Seconds(),
		StatusCodes:   make(map[int]int),
		Backends:      make(map[string]backendSummary),
	}

	latencies := make(map[string][]time.Duration)
	for _, s := range samples {
		if ok(s) {
			r.Success++
		} else {
			r.Failure++
		}
		if s.err != nil {
			continue
		}
		r.StatusCodes[s.status]++

		bs := r.Backends[s.backend]
		bs.Total++
		if ok(s) {
			bs.Success++
		} else {
			bs.Failure++
		}
		r.Backends[s.backend] = bs
		latencies[s.backend] = append(latencies[s.backend], s.duration)
	}

	for backend, lat := range latencies {
		sortDurations(lat)
		bs := r.Backends[backend]
		bs.P50 = ms(percentile(lat, 0.50))
		bs.P90 = ms(percentile(lat, 0.90))
		bs.P99 = ms(percentile(lat, 0.99))
		r.Backends[backend] = bs
	}
	return r
}

func printReport(r report, samples []sample) {
	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Target: %s\n", r.Target)
	fmt.Printf("Requests: %d  Concurrency: %d\n", r.Requests, r.Concurrency)
	fmt.Printf("Success: %d  Failure: %d\n", r.Success, r.Failure)
	fmt.Printf("Duration: %dms  Throughput: %.2f req/s\n", r.DurationMs, r.ThroughputRPS)

	fmt.Println("\nStatus codes:")
	codes := make([]int, 0, len(r.StatusCodes))
	for code := range r.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, r.StatusCodes[code])
	}

	fmt.Println("\nBackend distribution:")
	backends := make([]string, 0, len(r.Backends))
	for backend := range r.Backends {
		backends = append(backends, backend)
	}
	sort.Strings(backends)
	for _, backend := range backends {
		bs := r.Backends[backend]
		fmt.Printf("  %s -> total=%d success=%d failure=%d p50=%.1fms p90=%.1fms p99=%.1fms\n",
			backend, bs.Total, bs.Success, bs.Failure, bs.P50, bs.P90, bs.P99)
	}

	var all []time.Duration
	var errs int
	for _, s := range samples {
		if s.err != nil {
			errs++
			continue
		}
		all = append(all, s.duration)
	}
	if len(all) > 0 {
		sortDurations(all)
		fmt.Printf("\nOverall latencies: samples=%d min=%v p50=%v p90=%v p99=%v max=%v\n",
			len(all), all[0], percentile(all, 0.50), percentile(all, 0.90), percentile(all, 0.99), all[len(all)-1])
	}
	if errs > 0 {
		fmt.Printf("Transport errors: %d\n", errs)
	}
}

func write(path string, r report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func sortDurations(d []time.Duration) {
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	return sorted[int(float64(len(sorted)-1)*p)]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
