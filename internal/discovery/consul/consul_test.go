package consul_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/gateway-proxy/internal/discovery/consul"
	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

type response struct {
	entries []*consulapi.ServiceEntry
	index   uint64
	err     error
}

// fakeHealth serves queued responses, then blocks like a Consul blocking
// query until the caller's context is done.
type fakeHealth struct {
	mutex       sync.Mutex
	responses   []response
	waitIndexes []uint64
}

func (f *fakeHealth) Service(service, tag string, passingOnly bool, q *consulapi.QueryOptions) ([]*consulapi.ServiceEntry, *consulapi.QueryMeta, error) {
	f.mutex.Lock()
	f.waitIndexes = append(f.waitIndexes, q.WaitIndex)
	if len(f.responses) > 0 {
		next := f.responses[0]
		f.responses = f.responses[1:]
		f.mutex.Unlock()
		if next.err != nil {
			return nil, nil, next.err
		}
		return next.entries, &consulapi.QueryMeta{LastIndex: next.index}, nil
	}
	f.mutex.Unlock()

	<-q.Context().Done()
	return nil, nil, q.Context().Err()
}

func (f *fakeHealth) WaitIndexes() []uint64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]uint64(nil), f.waitIndexes...)
}

func entry(id, addr string, port int, meta map[string]string) *consulapi.ServiceEntry {
	return &consulapi.ServiceEntry{
		Node: &consulapi.Node{Address: "10.0.0.254"},
		Service: &consulapi.AgentService{
			ID:      id,
			Service: "users",
			Address: addr,
			Port:    port,
			Meta:    meta,
		},
	}
}

// updates collects the instance lists passed to an UpdateFunc.
type updates struct {
	mutex sync.Mutex
	lists [][]*registry.ServiceInstance
}

func (u *updates) record(instances []*registry.ServiceInstance) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.lists = append(u.lists, instances)
}

func (u *updates) Lists() [][]*registry.ServiceInstance {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return append([][]*registry.ServiceInstance(nil), u.lists...)
}

var _ = Describe("Instances", func() {
	It("should sort by service id and convert entries", func() {
		instances := consul.Instances([]*consulapi.ServiceEntry{
			entry("users-2", "10.0.0.2", 8080, nil),
			entry("users-1", "10.0.0.1", 8080, map[string]string{"weight": "3", "zone": "a"}),
		}, logger.Discard())

		Expect(instances).To(HaveLen(2))
		Expect(instances[0].Name()).To(Equal("users-1"))
		Expect(instances[0].Endpoint()).To(Equal("10.0.0.1:8080"))
		Expect(instances[0].Weight()).To(Equal(3))
		zone, _ := instances[0].Tag("zone")
		Expect(zone).To(Equal("a"))
		Expect(instances[1].Weight()).To(Equal(1))
	})

	It("should fall back to the node address", func() {
		instances := consul.Instances([]*consulapi.ServiceEntry{
			entry("users-1", "", 9000, nil),
		}, logger.Discard())

		Expect(instances).To(HaveLen(1))
		Expect(instances[0].Endpoint()).To(Equal("10.0.0.254:9000"))
	})

	It("should use the passing weight when meta has none", func() {
		e := entry("users-1", "10.0.0.1", 8080, nil)
		e.Service.Weights = consulapi.AgentWeights{Passing: 5, Warning: 1}

		instances := consul.Instances([]*consulapi.ServiceEntry{e}, logger.Discard())
		Expect(instances[0].Weight()).To(Equal(5))
	})

	It("should ignore an invalid weight in meta", func() {
		instances := consul.Instances([]*consulapi.ServiceEntry{
			entry("users-1", "10.0.0.1", 8080, map[string]string{"weight": "heavy"}),
		}, logger.Discard())
		Expect(instances[0].Weight()).To(Equal(1))
	})

	It("should copy service tags as tag keys", func() {
		e := entry("users-1", "10.0.0.1", 8080, nil)
		e.Service.Tags = []string{"canary"}

		instances := consul.Instances([]*consulapi.ServiceEntry{e}, logger.Discard())
		_, ok := instances[0].Tag("canary")
		Expect(ok).To(BeTrue())
	})

	It("should skip entries without a usable address or port", func() {
		noAddr := entry("users-1", "", 8080, nil)
		noAddr.Node = nil

		instances := consul.Instances([]*consulapi.ServiceEntry{
			noAddr,
			entry("users-2", "10.0.0.2", 0, nil),
			{Node: &consulapi.Node{Address: "10.0.0.3"}},
		}, logger.Discard())
		Expect(instances).To(BeEmpty())
	})
})

var _ = Describe("Source", func() {
	var (
		health *fakeHealth
		source *consul.Source
		got    *updates
		ctx    context.Context
		cancel context.CancelFunc
		done   chan error
	)

	BeforeEach(func() {
		health = &fakeHealth{}
		got = &updates{}
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(func() { cancel() })
	})

	start := func() {
		source = consul.NewWithHealth(health, consul.Config{
			Service:      "users",
			ErrorBackoff: 10 * time.Millisecond,
		}, logger.Discard())
		done = make(chan error, 1)
		go func() { done <- source.Watch(ctx, got.record) }()
	}

	It("should fetch the current list without blocking", func() {
		health.responses = []response{
			{entries: []*consulapi.ServiceEntry{entry("users-1", "10.0.0.1", 8080, nil)}, index: 7},
		}
		source = consul.NewWithHealth(health, consul.Config{Service: "users"}, logger.Discard())

		instances, err := source.Fetch(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(instances).To(HaveLen(1))
		Expect(health.WaitIndexes()).To(Equal([]uint64{0}))
	})

	It("should wrap fetch errors", func() {
		health.responses = []response{{err: errors.New("connection refused")}}
		source = consul.NewWithHealth(health, consul.Config{Service: "users"}, logger.Discard())

		_, err := source.Fetch(ctx)
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
	})

	It("should push each new index and pass it back as the wait index", func() {
		health.responses = []response{
			{entries: []*consulapi.ServiceEntry{entry("users-1", "10.0.0.1", 8080, nil)}, index: 7},
			{entries: []*consulapi.ServiceEntry{
				entry("users-1", "10.0.0.1", 8080, nil),
				entry("users-2", "10.0.0.2", 8080, nil),
			}, index: 9},
		}
		start()

		Eventually(func() int { return len(got.Lists()) }).Should(Equal(2))
		Expect(got.Lists()[0]).To(HaveLen(1))
		Expect(got.Lists()[1]).To(HaveLen(2))
		Eventually(health.WaitIndexes).Should(Equal([]uint64{0, 7, 9}))
	})

	It("should not push when the index is unchanged", func() {
		list := []*consulapi.ServiceEntry{entry("users-1", "10.0.0.1", 8080, nil)}
		health.responses = []response{
			{entries: list, index: 3},
			{entries: list, index: 3},
		}
		start()

		Eventually(func() int { return len(health.WaitIndexes()) }).Should(Equal(3))
		Consistently(func() int { return len(got.Lists()) }, 50*time.Millisecond).Should(Equal(1))
	})

	It("should retry after an error", func() {
		health.responses = []response{
			{err: errors.New("connection refused")},
			{entries: []*consulapi.ServiceEntry{entry("users-1", "10.0.0.1", 8080, nil)}, index: 4},
		}
		start()

		Eventually(func() int { return len(got.Lists()) }).Should(Equal(1))
	})

	It("should stop during the error backoff when the context is cancelled", func() {
		health.responses = []response{{err: errors.New("connection refused")}}
		source = consul.NewWithHealth(health, consul.Config{
			Service:      "users",
			ErrorBackoff: time.Hour,
		}, logger.Discard())
		done = make(chan error, 1)
		go func() { done <- source.Watch(ctx, got.record) }()

		Eventually(func() int { return len(health.WaitIndexes()) }).Should(Equal(1))
		cancel()
		Eventually(done).Should(Receive(BeNil()))
		Expect(got.Lists()).To(BeEmpty())
	})

	It("should return nil when the context is cancelled", func() {
		start()

		Eventually(func() int { return len(health.WaitIndexes()) }).Should(Equal(1))
		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})

var _ = Describe("Source against the HTTP API", func() {
	It("should query the health endpoint with the Consul client", func() {
		requests := make(chan *http.Request, 8)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests <- r
			if r.URL.Query().Get("index") != "" {
				<-r.Context().Done()
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Consul-Index", "12")
			w.Header().Set("X-Consul-LastContact", "0")
			w.Header().Set("X-Consul-KnownLeader", "true")
			_, _ = w.Write([]byte(`[{"Node":{"Address":"10.0.0.9"},"Service":{"ID":"users-1","Service":"users","Address":"","Port":8080,"Meta":{"weight":"2"}}}]`))
		}))
		DeferCleanup(server.Close)

		source, err := consul.New(consul.Config{
			Address:     server.Listener.Addr().String(),
			Service:     "users",
			PassingOnly: true,
		}, logger.Discard())
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		DeferCleanup(cancel)
		got := &updates{}
		go func() { _ = source.Watch(ctx, got.record) }()

		var first *http.Request
		Eventually(requests).Should(Receive(&first))
		Expect(first.URL.Path).To(Equal("/v1/health/service/users"))
		Expect(first.URL.Query().Has("passing")).To(BeTrue())
		Expect(first.Header.Get("Accept")).To(Equal("application/json"))

		Eventually(func() int { return len(got.Lists()) }).Should(Equal(1))
		instances := got.Lists()[0]
		Expect(instances).To(HaveLen(1))
		Expect(instances[0].Endpoint()).To(Equal("10.0.0.9:8080"))
		Expect(instances[0].Weight()).To(Equal(2))

		var second *http.Request
		Eventually(requests).Should(Receive(&second))
		Expect(second.URL.Query().Get("index")).To(Equal("12"))
	})
})
