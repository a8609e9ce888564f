package config

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/angeloszaimis/gateway-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/gateway-proxy/internal/gateway"
	"github.com/angeloszaimis/gateway-proxy/internal/healthcheck"
	"github.com/angeloszaimis/gateway-proxy/internal/pool"
	"github.com/angeloszaimis/gateway-proxy/internal/proxy"
	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/internal/retry"
	"github.com/angeloszaimis/gateway-proxy/internal/strategy"
)

const (
	DiscoveryConsul = "consul"
	DiscoveryFile   = "file"
)

type InstanceConfig struct {
	Name   string            `mapstructure:"name"`
	Host   string            `mapstructure:"host"`
	Port   int               `mapstructure:"port"`
	Weight int               `mapstructure:"weight"`
	Tags   map[string]string `mapstructure:"tags"`
}

type HealthCheckConfig struct {
	Path               string `mapstructure:"path"`
	Interval           string `mapstructure:"interval"`
	Timeout            string `mapstructure:"timeout"`
	HealthyThreshold   int    `mapstructure:"healthy_threshold"`
	UnhealthyThreshold int    `mapstructure:"unhealthy_threshold"`
}

type RetryConfig struct {
	BaseDelay               string `mapstructure:"base_delay"`
	MaxDelay                string `mapstructure:"max_delay"`
	PreferDifferentInstance *bool  `mapstructure:"prefer_different_instance"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"`
	RecoveryTimeout  string `mapstructure:"recovery_timeout"`
	HalfOpenMaxCalls int    `mapstructure:"half_open_max_calls"`
	SuccessThreshold int    `mapstructure:"success_threshold"`
}

type PoolConfig struct {
	MaxSize        int    `mapstructure:"max_size"`
	IdleTimeout    string `mapstructure:"idle_timeout"`
	AcquireTimeout string `mapstructure:"acquire_timeout"`
}

// RouteDiscoveryConfig names an external source for the route's instances.
// Static instances, if any, seed the route until the source reports.
type RouteDiscoveryConfig struct {
	Type         string `mapstructure:"type"`
	Service      string `mapstructure:"service"`
	Tag          string `mapstructure:"tag"`
	PassingOnly  *bool  `mapstructure:"passing_only"`
	Path         string `mapstructure:"path"`
	PollInterval string `mapstructure:"poll_interval"`
}

type RouteConfig struct {
	Name            string               `mapstructure:"name"`
	Path            string               `mapstructure:"path"`
	Strategy        string               `mapstructure:"strategy"`
	Scheme          string               `mapstructure:"scheme"`
	RequestTimeout  string               `mapstructure:"request_timeout"`
	MaxRetries      *int                 `mapstructure:"max_retries"`
	PathRewrite     string               `mapstructure:"path_rewrite"`
	HeadersToAdd    map[string]string    `mapstructure:"headers_to_add"`
	HeadersToRemove []string             `mapstructure:"headers_to_remove"`
	Instances       []InstanceConfig     `mapstructure:"instances"`
	Discovery       RouteDiscoveryConfig `mapstructure:"discovery"`
	HealthCheck     HealthCheckConfig    `mapstructure:"health_check"`
	Retry           RetryConfig          `mapstructure:"retry"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Pool            PoolConfig           `mapstructure:"pool"`
}

// ApplyDefaults fills every unset field with the value the route would use
// anyway, so that a loaded config shows the effective settings.
func (r *RouteConfig) ApplyDefaults() {
	setString(&r.Strategy, strategy.RoundRobin.String())
	setString(&r.Scheme, "http")
	setString(&r.RequestTimeout, proxy.DefaultRequestTimeout.String())
	if r.MaxRetries == nil {
		r.MaxRetries = intPtr(gateway.DefaultMaxRetries)
	}

	for i := range r.Instances {
		if r.Instances[i].Weight == 0 {
			r.Instances[i].Weight = 1
		}
	}

	setString(&r.HealthCheck.Path, healthcheck.DefaultPath)
	setString(&r.HealthCheck.Interval, healthcheck.DefaultInterval.String())
	setString(&r.HealthCheck.Timeout, healthcheck.DefaultTimeout.String())
	setInt(&r.HealthCheck.HealthyThreshold, healthcheck.DefaultHealthyThreshold)
	setInt(&r.HealthCheck.UnhealthyThreshold, healthcheck.DefaultUnhealthyThreshold)

	setString(&r.Retry.BaseDelay, retry.DefaultBaseDelay.String())
	setString(&r.Retry.MaxDelay, retry.DefaultMaxDelay.String())
	if r.Retry.PreferDifferentInstance == nil {
		r.Retry.PreferDifferentInstance = boolPtr(true)
	}

	setInt(&r.CircuitBreaker.FailureThreshold, circuitbreaker.DefaultFailureThreshold)
	setString(&r.CircuitBreaker.RecoveryTimeout, circuitbreaker.DefaultRecoveryTimeout.String())
	setInt(&r.CircuitBreaker.HalfOpenMaxCalls, circuitbreaker.DefaultHalfOpenTrialLimit)
	setInt(&r.CircuitBreaker.SuccessThreshold, circuitbreaker.DefaultSuccessThreshold)

	setInt(&r.Pool.MaxSize, pool.DefaultMaxSize)
	setString(&r.Pool.IdleTimeout, pool.DefaultIdleTimeout.String())
	setString(&r.Pool.AcquireTimeout, pool.DefaultAcquireTimeout.String())

	if r.Discovery.Type == DiscoveryConsul {
		setString(&r.Discovery.Service, r.Name)
		if r.Discovery.PassingOnly == nil {
			r.Discovery.PassingOnly = boolPtr(true)
		}
	}
	if r.Discovery.Type == DiscoveryFile {
		setString(&r.Discovery.Service, r.Name)
		setString(&r.Discovery.PollInterval, "5s")
	}
}

// ToRoute converts the config into a gateway route spec. Instances come
// from the static list only; discovered ones are added by the caller.
func (r RouteConfig) ToRoute() (gateway.RouteSpec, error) {
	kind, err := strategy.ParseKind(r.Strategy)
	if err != nil {
		return gateway.RouteSpec{}, fmt.Errorf("route %s: %w", r.Name, err)
	}

	instances, err := r.StaticInstances()
	if err != nil {
		return gateway.RouteSpec{}, err
	}

	spec := gateway.NewRouteSpec(r.Name, r.Path, instances...)
	spec.Strategy = kind
	if r.Scheme != "" {
		spec.Scheme = r.Scheme
	}
	if d := duration(r.RequestTimeout); d > 0 {
		spec.RequestTimeout = d
	}
	if r.MaxRetries != nil {
		spec.MaxRetries = *r.MaxRetries
	}
	spec.PathRewrite = r.PathRewrite
	spec.HeadersToAdd = r.HeadersToAdd
	spec.HeadersToRemove = r.HeadersToRemove

	spec.HealthCheck = healthcheck.Config{
		Path:               r.HealthCheck.Path,
		Interval:           duration(r.HealthCheck.Interval),
		Timeout:            duration(r.HealthCheck.Timeout),
		HealthyThreshold:   r.HealthCheck.HealthyThreshold,
		UnhealthyThreshold: r.HealthCheck.UnhealthyThreshold,
	}

	spec.Retry = gateway.RetryPolicy{
		BaseDelay:               duration(r.Retry.BaseDelay),
		MaxDelay:                duration(r.Retry.MaxDelay),
		PreferDifferentInstance: r.Retry.PreferDifferentInstance == nil || *r.Retry.PreferDifferentInstance,
	}

	spec.CircuitBreaker = circuitbreaker.Config{
		FailureThreshold:   r.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:    duration(r.CircuitBreaker.RecoveryTimeout),
		HalfOpenTrialLimit: r.CircuitBreaker.HalfOpenMaxCalls,
		SuccessThreshold:   r.CircuitBreaker.SuccessThreshold,
	}

	spec.Pool = pool.Config{
		MaxSize:        r.Pool.MaxSize,
		IdleTimeout:    duration(r.Pool.IdleTimeout),
		AcquireTimeout: duration(r.Pool.AcquireTimeout),
	}

	return spec, nil
}

func (r RouteConfig) StaticInstances() ([]*registry.ServiceInstance, error) {
	instances := make([]*registry.ServiceInstance, 0, len(r.Instances))
	for i, ic := range r.Instances {
		name := ic.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", r.Name, i)
		}
		weight := ic.Weight
		if weight == 0 {
			weight = 1
		}

		inst, err := registry.NewServiceInstance(name, ic.Host, ic.Port, weight)
		if err != nil {
			return nil, fmt.Errorf("route %s instance %d: %w", r.Name, i, err)
		}
		instances = append(instances, inst.WithTags(ic.Tags))
	}
	return instances, nil
}

func validateRouteConfig(value interface{}) error {
	rc, ok := value.(RouteConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a RouteConfig")
	}

	return validation.ValidateStruct(&rc,
		validation.Field(&rc.Name, validation.Required),
		validation.Field(&rc.Path, validation.Required, validation.By(validateURLPath)),
		validation.Field(&rc.Strategy, validation.By(func(value interface{}) error {
			name, _ := value.(string)
			if _, err := strategy.ParseKind(name); err != nil {
				return validation.NewError("validation_invalid_strategy", err.Error())
			}
			return nil
		})),
		validation.Field(&rc.Scheme, validation.In("http", "https")),
		validation.Field(&rc.RequestTimeout, validation.By(validateDuration)),
		validation.Field(&rc.MaxRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&rc.Instances,
			validation.When(rc.Discovery.Type == "", validation.Required.Error("required unless discovery is configured")),
			validation.Each(validation.By(validateInstanceConfig)),
		),
		validation.Field(&rc.Discovery, validation.By(validateRouteDiscovery)),
		validation.Field(&rc.HealthCheck, validation.By(func(value interface{}) error {
			hc, _ := value.(HealthCheckConfig)
			return validation.ValidateStruct(&hc,
				validation.Field(&hc.Path, validation.By(validateURLPath)),
				validation.Field(&hc.Interval, validation.By(validateDuration)),
				validation.Field(&hc.Timeout, validation.By(validateDuration)),
				validation.Field(&hc.HealthyThreshold, validation.Min(0)),
				validation.Field(&hc.UnhealthyThreshold, validation.Min(0)),
			)
		})),
		validation.Field(&rc.Retry, validation.By(func(value interface{}) error {
			rtc, _ := value.(RetryConfig)
			return validation.ValidateStruct(&rtc,
				validation.Field(&rtc.BaseDelay, validation.By(validateDuration)),
				validation.Field(&rtc.MaxDelay, validation.By(validateDuration)),
			)
		})),
		validation.Field(&rc.CircuitBreaker, validation.By(func(value interface{}) error {
			cbc, _ := value.(CircuitBreakerConfig)
			return validation.ValidateStruct(&cbc,
				validation.Field(&cbc.FailureThreshold, validation.Min(0)),
				validation.Field(&cbc.RecoveryTimeout, validation.By(validateDuration)),
				validation.Field(&cbc.HalfOpenMaxCalls, validation.Min(0)),
				validation.Field(&cbc.SuccessThreshold, validation.Min(0)),
			)
		})),
		validation.Field(&rc.Pool, validation.By(func(value interface{}) error {
			pc, _ := value.(PoolConfig)
			return validation.ValidateStruct(&pc,
				validation.Field(&pc.MaxSize, validation.Min(0)),
				validation.Field(&pc.IdleTimeout, validation.By(validateDuration)),
				validation.Field(&pc.AcquireTimeout, validation.By(validateDuration)),
			)
		})),
	)
}

func validateInstanceConfig(value interface{}) error {
	ic, ok := value.(InstanceConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be an InstanceConfig")
	}

	return validation.ValidateStruct(&ic,
		validation.Field(&ic.Host, validation.Required, is.Host),
		validation.Field(&ic.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&ic.Weight, validation.Min(0)),
	)
}

func validateRouteDiscovery(value interface{}) error {
	dc, ok := value.(RouteDiscoveryConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a RouteDiscoveryConfig")
	}

	return validation.ValidateStruct(&dc,
		validation.Field(&dc.Type, validation.In(DiscoveryConsul, DiscoveryFile)),
		validation.Field(&dc.Service, validation.When(dc.Type != "", validation.Required)),
		validation.Field(&dc.Path, validation.When(dc.Type == DiscoveryFile, validation.Required)),
		validation.Field(&dc.PollInterval, validation.By(validateDuration)),
	)
}

func (r RouteConfig) PollInterval() time.Duration {
	return duration(r.Discovery.PollInterval)
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func setInt(field *int, def int) {
	if *field == 0 {
		*field = def
	}
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
