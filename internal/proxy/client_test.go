package proxy_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/gateway-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/gateway-proxy/internal/loadbalancer"
	"github.com/angeloszaimis/gateway-proxy/internal/metrics"
	"github.com/angeloszaimis/gateway-proxy/internal/pool"
	"github.com/angeloszaimis/gateway-proxy/internal/proxy"
	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/internal/retry"
	"github.com/angeloszaimis/gateway-proxy/internal/strategy"
	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

var _ = Describe("Client", func() {
	var (
		reg      *registry.Registry
		breakers *circuitbreaker.Registry
		pools    *pool.Manager
		emitter  *recordingEmitter
		config   proxy.Config
		poolCfg  pool.Config
	)

	newClient := func(instances ...*registry.ServiceInstance) *proxy.Client {
		var err error
		reg, err = registry.New(instances...)
		Expect(err).NotTo(HaveOccurred())

		pools = pool.NewManager(poolCfg)
		DeferCleanup(pools.Close)

		return proxy.NewClient(config, reg,
			loadbalancer.NewBalancer(strategy.New(strategy.RoundRobin), true),
			breakers, pools,
			proxy.WithLogger(logger.Discard()),
			proxy.WithEmitter(emitter))
	}

	BeforeEach(func() {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
		emitter = &recordingEmitter{}
		poolCfg = pool.DefaultConfig()
		config = proxy.Config{
			Route:          "users",
			RequestTimeout: time.Second,
			MaxRetries:     2,
			Backoff:        retry.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		}
	})

	Context("when the upstream answers", func() {
		It("should return the response", func() {
			up := newUpstream(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Upstream", "yes")
				w.WriteHeader(http.StatusCreated)
				_, _ = io.WriteString(w, "created")
			})
			client := newClient(up.instance("a"))

			resp, err := client.Forward(context.Background(), &proxy.Request{Method: http.MethodPost, Path: "/users"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(string(resp.Body)).To(Equal("created"))
			Expect(resp.Header.Get("X-Upstream")).To(Equal("yes"))
			Expect(resp.Target).To(Equal(up.instance("a").Endpoint()))
			Expect(resp.Attempts).To(Equal(1))
			Expect(emitter.outcomes()).To(Equal([]metrics.Outcome{metrics.OutcomeSuccess}))
		})

		It("should apply header and path rewrites", func() {
			received := make(chan *http.Request, 1)
			bodies := make(chan string, 1)
			up := newUpstream(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				bodies <- string(body)
				received <- r
			})
			config.HeadersToAdd = map[string]string{"X-Gateway": "edge"}
			config.HeadersToRemove = []string{"Authorization"}
			config.PathRewrite = "/v2{path}"
			client := newClient(up.instance("a"))

			header := http.Header{}
			header.Set("Authorization", "Bearer secret")
			header.Set("X-Keep", "1")

			_, err := client.Forward(context.Background(), &proxy.Request{
				Method: http.MethodPut,
				Path:   "/users/7",
				Header: header,
				Query:  url.Values{"expand": {"roles"}},
				Body:   []byte(`{"name":"x"}`),
			})
			Expect(err).NotTo(HaveOccurred())

			var r *http.Request
			Eventually(received).Should(Receive(&r))
			Expect(r.Method).To(Equal(http.MethodPut))
			Expect(r.URL.Path).To(Equal("/v2/users/7"))
			Expect(r.URL.Query().Get("expand")).To(Equal("roles"))
			Expect(r.Header.Get("Authorization")).To(BeEmpty())
			Expect(r.Header.Get("X-Gateway")).To(Equal("edge"))
			Expect(r.Header.Get("X-Keep")).To(Equal("1"))
			Expect(r.Header.Get(proxy.RequestIDHeader)).NotTo(BeEmpty())
			Expect(<-bodies).To(Equal(`{"name":"x"}`))

			Expect(header.Get("Authorization")).To(Equal("Bearer secret"))
		})

		It("should keep an existing request id", func() {
			ids := make(chan string, 1)
			up := newUpstream(func(w http.ResponseWriter, r *http.Request) {
				ids <- r.Header.Get(proxy.RequestIDHeader)
			})
			client := newClient(up.instance("a"))

			header := http.Header{}
			header.Set(proxy.RequestIDHeader, "abc-123")
			_, err := client.Forward(context.Background(), &proxy.Request{Path: "/", Header: header})
			Expect(err).NotTo(HaveOccurred())
			Expect(<-ids).To(Equal("abc-123"))
		})

		It("should pass a 4xx through without retrying", func() {
			up := newUpstream(statusHandler(http.StatusNotFound))
			other := newUpstream(statusHandler(http.StatusOK))
			client := newClient(up.instance("a"), other.instance("b"))

			resp, err := client.Forward(context.Background(), &proxy.Request{Path: "/missing"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(resp.IsClientError()).To(BeTrue())
			Expect(up.hits.Load()).To(Equal(int32(1)))
			Expect(other.hits.Load()).To(BeZero())
			Expect(breakers.Status(up.instance("a").Endpoint()).ConsecutiveFailures).To(BeZero())
		})

		It("should release the in-flight counter after the call", func() {
			up := newUpstream(statusHandler(http.StatusOK))
			inst := up.instance("a")
			client := newClient(inst)

			_, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.InFlight()).To(BeZero())
		})
	})

	Context("when attempts fail", func() {
		It("should make at most max_retries+1 attempts on distinct instances and return the last TransportError", func() {
			ups := []*upstream{
				newUpstream(statusHandler(http.StatusBadGateway)),
				newUpstream(statusHandler(http.StatusServiceUnavailable)),
				newUpstream(statusHandler(http.StatusInternalServerError)),
				newUpstream(statusHandler(http.StatusInternalServerError)),
			}
			instances := make([]*registry.ServiceInstance, len(ups))
			for i, up := range ups {
				instances[i] = up.instance(string(rune('a' + i)))
			}
			client := newClient(instances...)

			_, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})

			te, ok := err.(*proxy.TransportError)
			Expect(ok).To(BeTrue(), "expected a bare *TransportError, got %T", err)
			Expect(te.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(te.Target).To(Equal(instances[2].Endpoint()))

			for i := 0; i < 3; i++ {
				Expect(ups[i].hits.Load()).To(Equal(int32(1)))
				Expect(instances[i].InFlight()).To(BeZero())
			}
			Expect(ups[3].hits.Load()).To(BeZero())
			Expect(emitter.outcomes()).To(HaveLen(3))
		})

		It("should succeed on a retry against another instance", func() {
			bad := newUpstream(statusHandler(http.StatusInternalServerError))
			good := newUpstream(statusHandler(http.StatusOK))
			client := newClient(bad.instance("bad"), good.instance("good"))

			resp, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Attempts).To(Equal(2))
			Expect(resp.Target).To(Equal(good.instance("good").Endpoint()))
			Expect(breakers.Status(bad.instance("bad").Endpoint()).ConsecutiveFailures).To(Equal(1))
		})

		It("should retry the same instance when it is the only one", func() {
			up := newUpstream(statusHandler(http.StatusInternalServerError))
			client := newClient(up.instance("a"))

			_, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(err).To(HaveOccurred())
			Expect(up.hits.Load()).To(Equal(int32(3)))
		})

		It("should not retry when max_retries is zero", func() {
			config.MaxRetries = 0
			up := newUpstream(statusHandler(http.StatusInternalServerError))
			client := newClient(up.instance("a"))

			_, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})
			var te *proxy.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(up.hits.Load()).To(Equal(int32(1)))
		})

		It("should classify a connection failure as a TransportError", func() {
			config.MaxRetries = 0
			client := newClient(registry.MustServiceInstance("dead", "127.0.0.1", 1, 1))

			_, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})
			var te *proxy.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.StatusCode).To(BeZero())
			Expect(te.Target).To(Equal("127.0.0.1:1"))
		})

		It("should treat the per-attempt timeout as a TransportError", func() {
			config.MaxRetries = 0
			config.RequestTimeout = 50 * time.Millisecond
			up := newUpstream(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(time.Second):
				}
			})
			client := newClient(up.instance("a"))

			_, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})
			var te *proxy.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(errors.Is(err, proxy.ErrDeadlineExceeded)).To(BeFalse())
			Expect(breakers.Status(up.instance("a").Endpoint()).ConsecutiveFailures).To(Equal(1))
		})
	})

	Context("when no instance is healthy", func() {
		It("should fail with ErrNoHealthyInstance without any network call", func() {
			up := newUpstream(statusHandler(http.StatusOK))
			inst := up.instance("a")
			inst.SetHealth(false, time.Now())
			client := newClient(inst)

			_, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(err).To(MatchError(strategy.ErrNoHealthyInstance))
			Expect(up.hits.Load()).To(BeZero())
			Expect(emitter.outcomes()).To(BeEmpty())
		})
	})

	Context("when the circuit is open", func() {
		BeforeEach(func() {
			breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
			config.MaxRetries = 0
		})

		It("should skip the target without a network call", func() {
			up := newUpstream(statusHandler(http.StatusInternalServerError))
			client := newClient(up.instance("a"))

			_, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(err).To(HaveOccurred())
			Expect(breakers.Status(up.instance("a").Endpoint()).State).To(Equal(circuitbreaker.StateOpen))

			_, err = client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(err).To(MatchError(circuitbreaker.ErrCircuitOpen))
			Expect(up.hits.Load()).To(Equal(int32(1)))
			Expect(emitter.outcomes()).To(Equal([]metrics.Outcome{
				metrics.OutcomeTransportError,
				metrics.OutcomeCircuitOpen,
			}))
		})

		It("should count an open circuit as an attempt and move on", func() {
			config.MaxRetries = 1
			bad := newUpstream(statusHandler(http.StatusOK))
			good := newUpstream(statusHandler(http.StatusOK))
			client := newClient(bad.instance("bad"), good.instance("good"))

			permit, err := breakers.GetBreaker(bad.instance("bad").Endpoint()).Allow()
			Expect(err).NotTo(HaveOccurred())
			permit.Failure()

			resp, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Attempts).To(Equal(2))
			Expect(bad.hits.Load()).To(BeZero())
		})
	})

	Context("when the pool is exhausted", func() {
		It("should fail with ErrPoolExhausted and leave the breaker untouched", func() {
			config.MaxRetries = 0
			poolCfg = pool.Config{MaxSize: 1, AcquireTimeout: 20 * time.Millisecond}
			up := newUpstream(statusHandler(http.StatusOK))
			client := newClient(up.instance("a"))

			held, err := pools.Get(up.instance("a").Endpoint()).Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer held.Release()

			_, err = client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(err).To(MatchError(pool.ErrPoolExhausted))
			Expect(up.hits.Load()).To(BeZero())
			Expect(breakers.Status(up.instance("a").Endpoint()).ConsecutiveFailures).To(BeZero())
			Expect(emitter.outcomes()).To(Equal([]metrics.Outcome{metrics.OutcomePoolExhausted}))
		})
	})

	Context("when a transport failure is followed by a blocked attempt", func() {
		BeforeEach(func() {
			config.MaxRetries = 1
		})

		It("should return the transport failure rather than the open circuit", func() {
			breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
			failing := newUpstream(statusHandler(http.StatusInternalServerError))
			open := newUpstream(statusHandler(http.StatusOK))
			client := newClient(failing.instance("a"), open.instance("b"))
			permit, err := breakers.GetBreaker(open.instance("b").Endpoint()).Allow()
			Expect(err).NotTo(HaveOccurred())
			permit.Failure()

			_, err = client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, circuitbreaker.ErrCircuitOpen)).To(BeFalse())

			var te *proxy.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Target).To(Equal(failing.instance("a").Endpoint()))
			Expect(te.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(open.hits.Load()).To(BeZero())
			Expect(emitter.outcomes()).To(Equal([]metrics.Outcome{
				metrics.OutcomeTransportError,
				metrics.OutcomeCircuitOpen,
			}))
		})

		It("should return the transport failure rather than the exhausted pool", func() {
			poolCfg = pool.Config{MaxSize: 1, AcquireTimeout: 20 * time.Millisecond}
			failing := newUpstream(statusHandler(http.StatusBadGateway))
			busy := newUpstream(statusHandler(http.StatusOK))
			client := newClient(failing.instance("a"), busy.instance("b"))

			held, err := pools.Get(busy.instance("b").Endpoint()).Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer held.Release()

			_, err = client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(errors.Is(err, pool.ErrPoolExhausted)).To(BeFalse())

			var te *proxy.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(busy.hits.Load()).To(BeZero())
		})

		It("should return the blocking error when no attempt reached the network", func() {
			breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
			a := newUpstream(statusHandler(http.StatusOK))
			b := newUpstream(statusHandler(http.StatusOK))
			client := newClient(a.instance("a"), b.instance("b"))

			for _, inst := range []*registry.ServiceInstance{a.instance("a"), b.instance("b")} {
				permit, err := breakers.GetBreaker(inst.Endpoint()).Allow()
				Expect(err).NotTo(HaveOccurred())
				permit.Failure()
			}

			_, err := client.Forward(context.Background(), &proxy.Request{Path: "/"})
			Expect(err).To(MatchError(circuitbreaker.ErrCircuitOpen))
			Expect(a.hits.Load() + b.hits.Load()).To(BeZero())
		})
	})

	Context("when the caller's deadline expires", func() {
		It("should return ErrDeadlineExceeded and count the cancelled call as a failure", func() {
			config.RequestTimeout = 5 * time.Second
			up := newUpstream(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			})
			client := newClient(up.instance("a"))

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			_, err := client.Forward(ctx, &proxy.Request{Path: "/"})
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
			Expect(err).To(MatchError(proxy.ErrDeadlineExceeded))
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(breakers.Status(up.instance("a").Endpoint()).ConsecutiveFailures).To(Equal(1))
		})

		It("should abort during the backoff sleep", func() {
			config.Backoff = retry.Backoff{Base: time.Second, Max: time.Second}
			up := newUpstream(statusHandler(http.StatusInternalServerError))
			client := newClient(up.instance("a"))

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			_, err := client.Forward(ctx, &proxy.Request{Path: "/"})
			Expect(err).To(MatchError(proxy.ErrDeadlineExceeded))
			var te *proxy.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(up.hits.Load()).To(Equal(int32(1)))
		})

		It("should not start when the context is already done", func() {
			up := newUpstream(statusHandler(http.StatusOK))
			client := newClient(up.instance("a"))

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := client.Forward(ctx, &proxy.Request{Path: "/"})
			Expect(err).To(MatchError(context.Canceled))
			Expect(up.hits.Load()).To(BeZero())
		})
	})

	Context("with retry events", func() {
		It("should emit one retry event per retry", func() {
			up := newUpstream(statusHandler(http.StatusInternalServerError))
			client := newClient(up.instance("a"))

			_, _ = client.Forward(context.Background(), &proxy.Request{Path: "/"})

			retries := 0
			for _, event := range emitter.events {
				if event.Type == metrics.EventRetry {
					retries++
					Expect(event.Route).To(Equal("users"))
				}
			}
			Expect(retries).To(Equal(2))
		})
	})
})

var _ = DescribeTable("RewritePath",
	func(template, path, expected string) {
		Expect(proxy.RewritePath(template, path)).To(Equal(expected))
	},
	Entry("no template", "", "/users", "/users"),
	Entry("prefix", "/v2{path}", "/users", "/v2/users"),
	Entry("prefix with trailing slash", "/api/{path}", "/users", "/api/users"),
	Entry("fixed replacement", "/status", "/users/7", "/status"),
)

var _ = Describe("TransportError", func() {
	It("should describe status failures", func() {
		err := &proxy.TransportError{Target: "a:1", StatusCode: 503}
		Expect(err.Error()).To(Equal("upstream a:1 returned 503"))
	})

	It("should unwrap the cause", func() {
		cause := errors.New("connection reset")
		err := &proxy.TransportError{Target: "a:1", Err: cause}
		Expect(errors.Is(err, cause)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("connection reset"))
	})
})
