// Breakercheck verifies retry and circuit breaker behavior against a running
// gateway. It makes one upstream fail through its fault endpoint, checks that
// requests still succeed on the other instances, reads the breaker state
// through the admin API, then clears the fault and resets the breaker.
//
// Usage:
//
//	go run ./scripts/breakercheck -gateway http://localhost:8080 -route users -path /users/ -upstream http://localhost:8081
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
)

type breakerStatus struct {
	Target              string `json:"target"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

func main() {
	var (
		gatewayURL  = flag.String("gateway", "http://localhost:8080", "Gateway base URL")
		route       = flag.String("route", "users", "Route name")
		path        = flag.String("path", "/users/", "Path served by the route")
		upstreamURL = flag.String("upstream", "http://localhost:8081", "Base URL of the upstream to break")
		requests    = flag.Int("requests", 20, "Requests per phase")
	)
	flag.Parse()

	upstream, err := url.Parse(*upstreamURL)
	if err != nil || upstream.Host == "" {
		fmt.Printf(colorRed+"invalid upstream URL %q\n"+colorReset, *upstreamURL)
		os.Exit(1)
	}
	target := upstream.Host
	client := &http.Client{Timeout: 5 * time.Second}

	phase("PHASE 1: Normal operation")
	hits, failures := sendRequests(client, *gatewayURL+*path, *requests)
	printDistribution(hits)
	if len(hits) == 0 {
		fail("no upstream answered; is the gateway running?")
	}
	if failures > 0 {
		warn(fmt.Sprintf("%d requests failed before any fault was injected", failures))
	}

	phase("PHASE 2: Upstream failure and retry")
	if err := post(client, *upstreamURL+"/_fault?status=500"); err != nil {
		fail(fmt.Sprintf("could not inject fault: %v", err))
	}

	hits, failures = sendRequests(client, *gatewayURL+*path, *requests)
	printDistribution(hits)
	if hits[target] > 0 {
		warn(fmt.Sprintf("%s still served %d successful requests", target, hits[target]))
	}
	if failures == 0 {
		ok("all requests succeeded on the remaining instances")
	} else {
		warn(fmt.Sprintf("%d/%d requests failed; a single-instance route cannot retry elsewhere", failures, *requests))
	}

	phase("PHASE 3: Circuit breaker state")
	breakerURL := fmt.Sprintf("%s/admin/routes/%s/breakers/%s", *gatewayURL, *route, target)
	status, err := getBreaker(client, breakerURL)
	if err != nil {
		fail(fmt.Sprintf("could not read breaker: %v", err))
	}
	fmt.Printf("  %s -> %s (consecutive failures: %d)\n", status.Target, status.State, status.ConsecutiveFailures)
	if status.State == "OPEN" {
		ok("breaker opened")
	} else {
		warn("breaker is not open; raise -requests or lower the route's failure_threshold")
	}

	phase("PHASE 4: Recovery")
	req, _ := http.NewRequest(http.MethodDelete, *upstreamURL+"/_fault", nil)
	if resp, err := client.Do(req); err == nil {
		resp.Body.Close()
	}
	if err := post(client, breakerURL+"/reset"); err != nil {
		fail(fmt.Sprintf("could not reset breaker: %v", err))
	}
	status, err = getBreaker(client, breakerURL)
	if err != nil {
		fail(fmt.Sprintf("could not read breaker: %v", err))
	}
	if status.State != "CLOSED" {
		fail("breaker is " + status.State + " after reset")
	}
	ok("breaker closed after reset")

	hits, _ = sendRequests(client, *gatewayURL+*path, *requests)
	printDistribution(hits)
	if hits[target] > 0 {
		ok(target + " is serving traffic again")
	}
}

func sendRequests(client *http.Client, url string, n int) (map[string]int, int) {
	hits := make(map[string]int)
	failures := 0

	for i := 0; i < n; i++ {
		resp, err := client.Get(url)
		if err != nil {
			failures++
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			failures++
			continue
		}
		hits[resp.Header.Get("X-Backend-Server")]++
	}
	return hits, failures
}

func getBreaker(client *http.Client, url string) (breakerStatus, error) {
	var status breakerStatus

	resp, err := client.Get(url)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("admin returned %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	return status, err
}

func post(client *http.Client, url string) error {
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return nil
}

func printDistribution(hits map[string]int) {
	fmt.Println("  Upstream distribution:")
	for backend, count := range hits {
		fmt.Printf("    %s -> %d requests\n", backend, count)
	}
}

func phase(name string) {
	fmt.Println()
	fmt.Println(colorBlue + "--- " + name + " ---" + colorReset)
}

func ok(msg string) {
	fmt.Println(colorGreen + "  ok: " + msg + colorReset)
}

func warn(msg string) {
	fmt.Println(colorYellow + "  warning: " + msg + colorReset)
}

func fail(msg string) {
	fmt.Println(colorRed + "  failed: " + msg + colorReset)
	os.Exit(1)
}
