package consul

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/angeloszaimis/gateway-proxy/internal/discovery"
	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/internal/retry"
	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

const (
	DefaultWaitTime     = 30 * time.Second
	DefaultErrorBackoff = 1 * time.Second

	// WeightMetaKey is the service meta key carrying an instance weight.
	WeightMetaKey = "weight"
)

type Config struct {
	Address      string
	Service      string
	Tag          string
	PassingOnly  bool
	WaitTime     time.Duration
	ErrorBackoff time.Duration
}

// HealthAPI is the subset of the Consul health endpoint the source uses.
type HealthAPI interface {
	Service(service, tag string, passingOnly bool, q *consulapi.QueryOptions) ([]*consulapi.ServiceEntry, *consulapi.QueryMeta, error)
}

// Source watches one Consul service with blocking health queries.
type Source struct {
	health HealthAPI
	config Config
	logger *slog.Logger
}

var _ discovery.Source = (*Source)(nil)

type HeaderRoundTripper struct {
	Rt http.RoundTripper
}

func (h *HeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	return h.Rt.RoundTrip(req)
}

func NewClient(addr string) (*consulapi.Client, error) {
	consulCfg := consulapi.DefaultConfig()
	if addr != "" {
		consulCfg.Address = addr
	}

	consulCfg.HttpClient = &http.Client{
		Transport: &HeaderRoundTripper{Rt: http.DefaultTransport},
	}
	return consulapi.NewClient(consulCfg)
}

func New(config Config, log *slog.Logger) (*Source, error) {
	client, err := NewClient(config.Address)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}
	return NewWithHealth(client.Health(), config, log), nil
}

func NewWithHealth(health HealthAPI, config Config, log *slog.Logger) *Source {
	if config.WaitTime <= 0 {
		config.WaitTime = DefaultWaitTime
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = DefaultErrorBackoff
	}

	return &Source{
		health: health,
		config: config,
		logger: logger.Component(log, "discovery").With(
			slog.String("source", "consul"),
			slog.String("service", config.Service)),
	}
}

// Fetch runs one non-blocking query.
func (s *Source) Fetch(ctx context.Context) ([]*registry.ServiceInstance, error) {
	queryOpts := (&consulapi.QueryOptions{}).WithContext(ctx)

	entries, _, err := s.health.Service(s.config.Service, s.config.Tag, s.config.PassingOnly, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("fetching %s from consul: %w", s.config.Service, err)
	}
	return Instances(entries, s.logger), nil
}

// Watch issues blocking queries and calls update whenever the index moves.
// It returns nil when ctx is cancelled.
func (s *Source) Watch(ctx context.Context, update discovery.UpdateFunc) error {
	var lastIndex uint64

	s.logger.Info("Starting consul watch")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping consul watch")
			return nil
		default:
		}

		queryOpts := &consulapi.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  s.config.WaitTime,
		}
		queryOpts = queryOpts.WithContext(ctx)

		entries, meta, err := s.health.Service(s.config.Service, s.config.Tag, s.config.PassingOnly, queryOpts)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Stopping consul watch")
				return nil
			}
			s.logger.Error("Failed fetching service entries", slog.String("error", err.Error()))
			if err := retry.Sleep(ctx, s.config.ErrorBackoff); err != nil {
				return nil
			}
			continue
		}

		if meta.LastIndex == lastIndex {
			continue
		}
		// An index going backwards means the Consul state was reset.
		if meta.LastIndex < lastIndex {
			lastIndex = 0
			continue
		}

		s.logger.Debug("Detected change",
			slog.Uint64("last_index", lastIndex),
			slog.Uint64("new_index", meta.LastIndex))
		lastIndex = meta.LastIndex

		instances := Instances(entries, s.logger)
		s.logger.Info("Service instances discovered", slog.Int("count", len(instances)))
		update(instances)
	}
}

// Instances converts health entries into service instances, sorted by
// service ID so that the order is stable across queries.
func Instances(entries []*consulapi.ServiceEntry, log *slog.Logger) []*registry.ServiceInstance {
	sort.Slice(entries, func(i, j int) bool {
		return serviceID(entries[i]) < serviceID(entries[j])
	})

	instances := make([]*registry.ServiceInstance, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}

		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		if addr == "" {
			continue
		}

		inst, err := registry.NewServiceInstance(e.Service.ID, addr, e.Service.Port, weightOf(e.Service))
		if err != nil {
			log.Warn("Skipping invalid instance",
				slog.String("id", e.Service.ID),
				slog.String("error", err.Error()))
			continue
		}

		tags := make(map[string]string, len(e.Service.Meta)+len(e.Service.Tags))
		for _, tag := range e.Service.Tags {
			tags[tag] = ""
		}
		for k, v := range e.Service.Meta {
			tags[k] = v
		}
		instances = append(instances, inst.WithTags(tags))
	}

	return instances
}

func serviceID(e *consulapi.ServiceEntry) string {
	if e.Service == nil {
		return ""
	}
	return e.Service.ID
}

func weightOf(svc *consulapi.AgentService) int {
	if raw, ok := svc.Meta[WeightMetaKey]; ok {
		if w, err := strconv.Atoi(raw); err == nil && w > 0 {
			return w
		}
	}
	if svc.Weights.Passing > 0 {
		return svc.Weights.Passing
	}
	return 1
}
