package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address         string `mapstructure:"address"`
	Environment     string `mapstructure:"environment"`
	ReadTimeout     string `mapstructure:"read_timeout"`
	WriteTimeout    string `mapstructure:"write_timeout"`
	IdleTimeout     string `mapstructure:"idle_timeout"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
	Admin           bool   `mapstructure:"admin"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	StatsPath  string `mapstructure:"stats_path"`
	BufferSize int    `mapstructure:"buffer_size"`
}

type ConsulConfig struct {
	Address  string `mapstructure:"address"`
	WaitTime string `mapstructure:"wait_time"`
}

type DiscoveryConfig struct {
	Consul ConsulConfig `mapstructure:"consul"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Routes    []RouteConfig   `mapstructure:"routes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.admin", true)
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.stats_path", "/stats")
	v.SetDefault("metrics.buffer_size", 1000)
	v.SetDefault("discovery.consul.address", "127.0.0.1:8500")
	v.SetDefault("discovery.consul.wait_time", "30s")
}

// Load reads config.yaml from ./config or the working directory. A missing
// file is not an error; defaults and environment variables apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	return decode(v)
}

// LoadFile reads the configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		slog.Error("failed to read config file", slog.String("file", path), slog.String("error", err.Error()))
		return nil, err
	}
	slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	for i := range cfg.Routes {
		cfg.Routes[i].ApplyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

// AdminPrefix is the path prefix of the admin endpoints.
const AdminPrefix = "/admin/"

func (c *Config) Validate() error {
	if err := c.validateSections(); err != nil {
		return err
	}
	return c.validateReservedPaths()
}

// validateReservedPaths rejects routes mounted where the gateway serves its
// own endpoints.
func (c *Config) validateReservedPaths() error {
	for _, r := range c.Routes {
		if c.Metrics.Enabled && (r.Path == c.Metrics.Path || r.Path == c.Metrics.StatsPath) {
			return fmt.Errorf("route %s: path %s is reserved for metrics", r.Name, r.Path)
		}
		if c.Server.Admin && strings.HasPrefix(r.Path, AdminPrefix) {
			return fmt.Errorf("route %s: path %s is reserved for admin endpoints", r.Name, r.Path)
		}
	}
	return nil
}

func (c *Config) validateSections() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.ReadTimeout, validation.By(validateDuration)),
					validation.Field(&sc.WriteTimeout, validation.By(validateDuration)),
					validation.Field(&sc.IdleTimeout, validation.By(validateDuration)),
					validation.Field(&sc.ShutdownTimeout, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.Path, validation.When(mc.Enabled, validation.Required, validation.By(validateURLPath))),
					validation.Field(&mc.StatsPath, validation.When(mc.Enabled, validation.Required, validation.By(validateURLPath))),
					validation.Field(&mc.BufferSize, validation.When(mc.Enabled, validation.Required, validation.Min(1))),
				)
			}),
		),
		validation.Field(&c.Discovery,
			validation.By(func(value interface{}) error {
				dc, ok := value.(DiscoveryConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a DiscoveryConfig")
				}
				return validation.ValidateStruct(&dc.Consul,
					validation.Field(&dc.Consul.Address, validation.By(validateHostPort)),
					validation.Field(&dc.Consul.WaitTime, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Routes,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateRouteConfig)),
			validation.By(uniqueRoutes),
		),
	)
}

func uniqueRoutes(value interface{}) error {
	routes, ok := value.([]RouteConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of routes")
	}

	names := make(map[string]struct{}, len(routes))
	paths := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if _, dup := names[r.Name]; dup {
			return validation.NewError("validation_duplicate_route", fmt.Sprintf("duplicate route name %q", r.Name))
		}
		names[r.Name] = struct{}{}

		if _, dup := paths[r.Path]; dup {
			return validation.NewError("validation_duplicate_path", fmt.Sprintf("duplicate route path %q", r.Path))
		}
		paths[r.Path] = struct{}{}
	}
	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if durationStr == "" {
		return nil
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validateURLPath(value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}
	return nil
}

// duration parses a string already checked by validateDuration. Empty
// strings yield zero, which the consuming packages replace with defaults.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (s ServerConfig) Timeouts() (read, write, idle, shutdown time.Duration) {
	return duration(s.ReadTimeout), duration(s.WriteTimeout), duration(s.IdleTimeout), duration(s.ShutdownTimeout)
}

func (c ConsulConfig) WaitDuration() time.Duration {
	return duration(c.WaitTime)
}
