package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.yaml.in/yaml/v2"

	"github.com/angeloszaimis/gateway-proxy/internal/discovery"
	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/pkg/logger"
)

const DefaultPollInterval = 5 * time.Second

var ErrServiceNotFound = errors.New("service not found in file")

type Config struct {
	Path         string
	Service      string
	PollInterval time.Duration
}

// Service is one entry of the YAML file. Meta is copied onto every
// instance as tags.
type Service struct {
	Name      string `yaml:"name"`
	Instances []struct {
		Name   string `yaml:"name"`
		Host   string `yaml:"host"`
		Port   int    `yaml:"port"`
		Weight int    `yaml:"weight"`
	} `yaml:"instances"`
	Meta map[string]string `yaml:"meta"`
}

// Source reads a YAML file of services and re-reads it when its
// modification time changes.
type Source struct {
	config Config
	logger *slog.Logger
}

var _ discovery.Source = (*Source)(nil)

func New(config Config, log *slog.Logger) *Source {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Source{
		config: config,
		logger: logger.Component(log, "discovery").With(
			slog.String("source", "file"),
			slog.String("path", config.Path),
			slog.String("service", config.Service)),
	}
}

// Load parses path and returns the instances of service.
func Load(path, service string) ([]*registry.ServiceInstance, error) {
	rawYaml, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var services []Service
	if err := yaml.Unmarshal(rawYaml, &services); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, svc := range services {
		if svc.Name != service {
			continue
		}

		instances := make([]*registry.ServiceInstance, 0, len(svc.Instances))
		for i, raw := range svc.Instances {
			name := raw.Name
			if name == "" {
				name = svc.Name + "-" + strconv.Itoa(i)
			}
			weight := raw.Weight
			if weight == 0 {
				weight = 1
			}

			inst, err := registry.NewServiceInstance(name, raw.Host, raw.Port, weight)
			if err != nil {
				return nil, fmt.Errorf("service %s instance %d: %w", svc.Name, i, err)
			}
			instances = append(instances, inst.WithTags(svc.Meta))
		}
		return instances, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, service)
}

func (s *Source) Fetch(ctx context.Context) ([]*registry.ServiceInstance, error) {
	return Load(s.config.Path, s.config.Service)
}

// Watch loads the file once, then polls it until ctx is done. A file that
// fails to load keeps the last good instance list in place.
func (s *Source) Watch(ctx context.Context, update discovery.UpdateFunc) error {
	info, err := os.Stat(s.config.Path)
	if err != nil {
		return err
	}
	instances, err := Load(s.config.Path, s.config.Service)
	if err != nil {
		return err
	}
	lastMod := info.ModTime()
	s.logger.Info("Loaded service instances", slog.Int("count", len(instances)))
	update(instances)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := os.Stat(s.config.Path)
		if err != nil {
			s.logger.Warn("Failed to stat file", slog.String("error", err.Error()))
			continue
		}
		if info.ModTime().Equal(lastMod) {
			continue
		}

		instances, err := Load(s.config.Path, s.config.Service)
		if err != nil {
			s.logger.Error("Failed to reload file", slog.String("error", err.Error()))
			continue
		}
		lastMod = info.ModTime()
		s.logger.Info("Reloaded service instances", slog.Int("count", len(instances)))
		update(instances)
	}
}
