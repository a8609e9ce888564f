package pool_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/gateway-proxy/internal/pool"
)

var _ = Describe("Pool", func() {
	var manager *pool.Manager

	BeforeEach(func() {
		manager = pool.NewManager(pool.Config{
			MaxSize:        2,
			AcquireTimeout: 50 * time.Millisecond,
		})
	})

	AfterEach(func() {
		manager.Close()
	})

	Describe("Acquire", func() {
		It("should hand out up to MaxSize connections", func() {
			p := manager.Get("localhost:8081")

			c1, err := p.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			c2, err := p.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(p.Stats().InUse).To(Equal(2))
			c1.Release()
			c2.Release()
			Expect(p.Stats().InUse).To(BeZero())
		})

		It("should fail with ErrPoolExhausted after the acquire timeout", func() {
			p := manager.Get("localhost:8081")
			for i := 0; i < 2; i++ {
				_, err := p.Acquire(context.Background())
				Expect(err).NotTo(HaveOccurred())
			}

			start := time.Now()
			_, err := p.Acquire(context.Background())
			Expect(err).To(MatchError(pool.ErrPoolExhausted))
			Expect(time.Since(start)).To(BeNumerically(">=", 50*time.Millisecond))
		})

		It("should return the context error when the caller gives up first", func() {
			p := manager.Get("localhost:8081")
			for i := 0; i < 2; i++ {
				_, err := p.Acquire(context.Background())
				Expect(err).NotTo(HaveOccurred())
			}

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := p.Acquire(ctx)
			Expect(err).To(MatchError(context.Canceled))
		})

		It("should unblock a waiter when a connection is released", func() {
			manager = pool.NewManager(pool.Config{MaxSize: 1, AcquireTimeout: time.Second})
			p := manager.Get("localhost:8081")

			held, err := p.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())

			go func() {
				defer GinkgoRecover()
				time.Sleep(20 * time.Millisecond)
				held.Release()
			}()

			c, err := p.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			c.Release()
		})

		It("should ignore a second release", func() {
			p := manager.Get("localhost:8081")
			c, err := p.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())

			c.Release()
			c.Release()
			Expect(p.Stats().InUse).To(BeZero())
		})
	})

	Describe("Do", func() {
		It("should send requests through the pooled transport", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "pong")
			}))
			defer server.Close()

			endpoint := strings.TrimPrefix(server.URL, "http://")
			c, err := manager.Get(endpoint).Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer c.Release()

			req, err := http.NewRequest(http.MethodGet, server.URL+"/ping", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := c.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("pong"))
		})

		It("should not follow redirects", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "/elsewhere", http.StatusFound)
			}))
			defer server.Close()

			c, err := manager.Get(strings.TrimPrefix(server.URL, "http://")).Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer c.Release()

			req, err := http.NewRequest(http.MethodGet, server.URL, nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := c.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusFound))
		})
	})
})

var _ = Describe("Manager", func() {
	var manager *pool.Manager

	BeforeEach(func() {
		manager = pool.NewManager(pool.DefaultConfig())
	})

	It("should return the same pool for the same endpoint", func() {
		Expect(manager.Get("a:1")).To(BeIdenticalTo(manager.Get("a:1")))
		Expect(manager.Get("a:1")).NotTo(BeIdenticalTo(manager.Get("b:1")))
	})

	It("should apply defaults", func() {
		manager = pool.NewManager(pool.Config{})
		Expect(manager.Get("a:1").Stats().MaxSize).To(Equal(pool.DefaultMaxSize))
	})

	It("should aggregate stats", func() {
		c, err := manager.Get("a:1").Acquire(context.Background())
		Expect(err).NotTo(HaveOccurred())
		defer c.Release()
		manager.Get("b:1")

		stats := manager.Stats()
		Expect(stats.Endpoints).To(Equal(2))
		Expect(stats.InUse).To(Equal(1))
		Expect(stats.Pools[0].Endpoint).To(Equal("a:1"))
	})

	It("should forget removed endpoints", func() {
		first := manager.Get("a:1")
		manager.Remove("a:1")
		Expect(manager.Stats().Endpoints).To(BeZero())
		Expect(manager.Get("a:1")).NotTo(BeIdenticalTo(first))
	})

	It("should drop every pool on Close", func() {
		manager.Get("a:1")
		manager.Get("b:1")
		manager.Close()
		Expect(manager.Stats().Endpoints).To(BeZero())
	})
})
