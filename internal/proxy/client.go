package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/gateway-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/gateway-proxy/internal/loadbalancer"
	"github.com/angeloszaimis/gateway-proxy/internal/metrics"
	"github.com/angeloszaimis/gateway-proxy/internal/pool"
	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/internal/retry"
	"github.com/angeloszaimis/gateway-proxy/internal/strategy"
	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

const (
	DefaultRequestTimeout = 30 * time.Second

	RequestIDHeader = "X-Request-Id"
)

type Config struct {
	Route           string
	Scheme          string
	RequestTimeout  time.Duration
	MaxRetries      int
	Backoff         retry.Backoff
	HeadersToAdd    map[string]string
	HeadersToRemove []string
	PathRewrite     string
}

func (c Config) withDefaults() Config {
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff == (retry.Backoff{}) {
		c.Backoff = retry.DefaultBackoff()
	}
	return c
}

// Client forwards requests for one route: it picks an instance, gates the
// attempt on the instance's breaker, sends over a pooled connection and
// retries retryable failures with exponential backoff.
type Client struct {
	config    Config
	instances *registry.Registry
	balancer  *loadbalancer.Balancer
	breakers  *circuitbreaker.Registry
	pools     *pool.Manager
	emitter   metrics.Emitter
	logger    *slog.Logger
}

type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.Component(log, "proxy")
	}
}

func WithEmitter(emitter metrics.Emitter) Option {
	return func(c *Client) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

func NewClient(
	config Config,
	instances *registry.Registry,
	balancer *loadbalancer.Balancer,
	breakers *circuitbreaker.Registry,
	pools *pool.Manager,
	opts ...Option,
) *Client {
	c := &Client{
		config:    config.withDefaults(),
		instances: instances,
		balancer:  balancer,
		breakers:  breakers,
		pools:     pools,
		emitter:   metrics.Discard,
		logger:    logger.Component(nil, "proxy"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Forward runs the retry loop. It returns either an upstream response
// (2xx to 4xx) or one typed error: ErrNoHealthyInstance, the last
// *TransportError, a circuit-open or pool-exhausted error when no attempt
// reached the network, or ErrDeadlineExceeded when ctx expired first.
func (c *Client) Forward(ctx context.Context, req *Request) (*Response, error) {
	tried := make(map[string]struct{}, c.config.MaxRetries+1)
	var failures failureLog

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, aborted(err, failures.terminal())
		}

		resp, err := c.attempt(ctx, req, tried)
		if err == nil {
			resp.Attempts = attempt + 1
			return resp, nil
		}

		if errors.Is(err, strategy.ErrNoHealthyInstance) {
			// A failure seen earlier in this call explains more than the
			// empty healthy set does.
			if last := failures.terminal(); last != nil {
				return nil, last
			}
			return nil, err
		}

		failures.record(err)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, aborted(ctxErr, failures.terminal())
		}

		if !retryable(err) {
			return nil, err
		}

		if attempt >= c.config.MaxRetries {
			last := failures.terminal()
			c.logger.Warn("Retries exhausted",
				slog.Int("attempts", attempt+1),
				slog.String("error", last.Error()))
			return nil, last
		}

		delay := c.config.Backoff.Delay(attempt + 1)
		c.logger.Warn("Retrying request",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		c.emitter.Emit(metrics.MetricEvent{
			Type:  metrics.EventRetry,
			Route: c.config.Route,
		})

		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, aborted(err, failures.terminal())
		}
	}
}

// failureLog tracks the attempt errors of one Forward call. A transport
// failure outranks a later attempt that was blocked before the network.
type failureLog struct {
	transport error
	blocked   error
}

func (f *failureLog) record(err error) {
	var te *TransportError
	if errors.As(err, &te) {
		f.transport = err
		return
	}
	f.blocked = err
}

func (f *failureLog) terminal() error {
	if f.transport != nil {
		return f.transport
	}
	return f.blocked
}

func (c *Client) attempt(ctx context.Context, req *Request, tried map[string]struct{}) (*Response, error) {
	inst, release, err := c.balancer.Reserve(c.instances.Instances(), tried)
	if err != nil {
		return nil, err
	}
	defer release()

	target := inst.Endpoint()
	tried[target] = struct{}{}

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	httpReq, err := c.buildRequest(attemptCtx, inst, req)
	if err != nil {
		return nil, err
	}

	permit, err := c.breakers.GetBreaker(target).Allow()
	if err != nil {
		c.logger.Debug("Circuit open, skipping target", slog.String("target", target))
		c.emitAttempt(target, metrics.OutcomeCircuitOpen, 0, 0)
		return nil, err
	}

	conn, err := c.pools.Get(target).Acquire(ctx)
	if err != nil {
		permit.Cancel()
		if errors.Is(err, pool.ErrPoolExhausted) {
			c.emitAttempt(target, metrics.OutcomePoolExhausted, 0, 0)
		}
		return nil, err
	}
	defer conn.Release()

	start := time.Now()
	resp, err := c.send(conn, httpReq, target)
	duration := time.Since(start)

	if err != nil {
		permit.Failure()

		var te *TransportError
		statusCode := 0
		if errors.As(err, &te) {
			statusCode = te.StatusCode
		}
		c.logger.Debug("Attempt failed",
			slog.String("target", target),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		c.emitAttempt(target, metrics.OutcomeTransportError, duration, statusCode)
		return nil, err
	}

	permit.Success()

	outcome := metrics.OutcomeSuccess
	if resp.IsClientError() {
		outcome = metrics.OutcomeClientError
	}
	c.logger.Debug("Attempt succeeded",
		slog.String("target", target),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration))
	c.emitAttempt(target, outcome, duration, resp.StatusCode)
	return resp, nil
}

func (c *Client) buildRequest(ctx context.Context, inst *registry.ServiceInstance, req *Request) (*http.Request, error) {
	u := inst.URL(c.config.Scheme)
	u.Path = RewritePath(c.config.PathRewrite, req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	httpReq.Header = c.outboundHeader(req.Header)
	return httpReq, nil
}

func (c *Client) outboundHeader(in http.Header) http.Header {
	header := in.Clone()
	if header == nil {
		header = make(http.Header)
	}

	for _, name := range c.config.HeadersToRemove {
		header.Del(name)
	}
	for name, value := range c.config.HeadersToAdd {
		header.Set(name, value)
	}
	if header.Get(RequestIDHeader) == "" {
		header.Set(RequestIDHeader, uuid.NewString())
	}

	return header
}

func (c *Client) send(conn *pool.Conn, httpReq *http.Request, target string) (*Response, error) {
	res, err := conn.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Target: target, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &TransportError{Target: target, Err: fmt.Errorf("reading response body: %w", err)}
	}

	if res.StatusCode >= http.StatusInternalServerError {
		return nil, &TransportError{
			Target:     target,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("upstream returned %s", res.Status),
		}
	}

	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
		Target:     target,
	}, nil
}

func (c *Client) emitAttempt(target string, outcome metrics.Outcome, duration time.Duration, statusCode int) {
	c.emitter.Emit(metrics.MetricEvent{
		Type:       metrics.EventAttemptCompleted,
		Route:      c.config.Route,
		Target:     target,
		Outcome:    outcome,
		Duration:   duration,
		StatusCode: statusCode,
	})
}

func retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) ||
		errors.Is(err, circuitbreaker.ErrCircuitOpen) ||
		errors.Is(err, pool.ErrPoolExhausted)
}

// aborted builds the error for a loop cut short by ctx.
func aborted(ctxErr, lastErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		if lastErr != nil {
			return fmt.Errorf("%w: %w", ErrDeadlineExceeded, lastErr)
		}
		return ErrDeadlineExceeded
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, lastErr)
	}
	return ctxErr
}
