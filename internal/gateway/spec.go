package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/angeloszaimis/gateway-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/gateway-proxy/internal/healthcheck"
	"github.com/angeloszaimis/gateway-proxy/internal/pool"
	"github.com/angeloszaimis/gateway-proxy/internal/proxy"
	"github.com/angeloszaimis/gateway-proxy/internal/registry"
	"github.com/angeloszaimis/gateway-proxy/internal/retry"
	"github.com/angeloszaimis/gateway-proxy/internal/strategy"
)

var (
	ErrInvalidRoute  = errors.New("invalid route")
	ErrNoTargets     = errors.New("route has no targets")
	ErrRouteExists   = errors.New("route already registered")
	ErrRouteNotFound = errors.New("route not found")
	ErrUnknownTarget = errors.New("target is not part of the route")
)

const DefaultMaxRetries = 2

var routeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

type RetryPolicy struct {
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	PreferDifferentInstance bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:               retry.DefaultBaseDelay,
		MaxDelay:                retry.DefaultMaxDelay,
		PreferDifferentInstance: true,
	}
}

// RouteSpec is the configuration of one forwarding path. The route borrows
// it read-only; changes after registration have no effect.
type RouteSpec struct {
	Name            string
	PathPattern     string
	Instances       []*registry.ServiceInstance
	Strategy        strategy.Kind
	Scheme          string
	HealthCheck     healthcheck.Config
	RequestTimeout  time.Duration
	MaxRetries      int
	Retry           RetryPolicy
	CircuitBreaker  circuitbreaker.Config
	Pool            pool.Config
	HeadersToAdd    map[string]string
	HeadersToRemove []string
	PathRewrite     string
}

// NewRouteSpec returns a spec with every policy at its default.
func NewRouteSpec(name, pathPattern string, instances ...*registry.ServiceInstance) RouteSpec {
	return RouteSpec{
		Name:           name,
		PathPattern:    pathPattern,
		Instances:      instances,
		Strategy:       strategy.RoundRobin,
		Scheme:         "http",
		HealthCheck:    healthcheck.DefaultConfig(),
		RequestTimeout: proxy.DefaultRequestTimeout,
		MaxRetries:     DefaultMaxRetries,
		Retry:          DefaultRetryPolicy(),
		CircuitBreaker: circuitbreaker.DefaultConfig(),
		Pool:           pool.DefaultConfig(),
	}
}

// Validate reports configuration errors. They wrap ErrNoTargets or
// ErrInvalidRoute and are never retried.
func (s RouteSpec) Validate() error {
	if len(s.Instances) == 0 {
		return fmt.Errorf("%w: %s", ErrNoTargets, s.Name)
	}

	err := validation.ValidateStruct(&s,
		validation.Field(&s.Name,
			validation.Required,
			validation.Match(routeNamePattern),
		),
		validation.Field(&s.PathPattern,
			validation.Required,
			validation.By(validatePath),
		),
		validation.Field(&s.Instances,
			validation.Each(validation.NotNil),
		),
		validation.Field(&s.Strategy,
			validation.In(strategy.RoundRobin, strategy.Weighted, strategy.Random, strategy.LeastConnections),
		),
		validation.Field(&s.Scheme,
			validation.In("", "http", "https"),
		),
		validation.Field(&s.RequestTimeout,
			validation.Min(time.Duration(0)),
		),
		validation.Field(&s.MaxRetries,
			validation.Min(0),
			validation.Max(10),
		),
		validation.Field(&s.HeadersToAdd,
			validation.By(validateHeadersToAdd),
		),
		validation.Field(&s.HeadersToRemove,
			validation.Each(validation.Required, validation.By(validateHeaderName)),
		),
		validation.Field(&s.PathRewrite,
			validation.When(s.PathRewrite != "", validation.By(validatePath)),
		),
	)
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidRoute, s.Name, err)
	}

	seen := make(map[string]struct{}, len(s.Instances))
	for _, inst := range s.Instances {
		if _, dup := seen[inst.Endpoint()]; dup {
			return fmt.Errorf("%w %q: duplicate target %s", ErrInvalidRoute, s.Name, inst.Endpoint())
		}
		seen[inst.Endpoint()] = struct{}{}
	}

	return nil
}

func validatePath(value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if !strings.HasPrefix(path, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}
	return nil
}

func validateHeaderName(value interface{}) error {
	name, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if name == "" || strings.ContainsAny(name, " :\t\r\n") {
		return validation.NewError("validation_invalid_header", "invalid header name")
	}
	if http.CanonicalHeaderKey(name) == "Host" {
		return validation.NewError("validation_reserved_header", "Host cannot be rewritten")
	}
	return nil
}

func validateHeadersToAdd(value interface{}) error {
	headers, ok := value.(map[string]string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a map of strings")
	}

	canonical := make(map[string]struct{}, len(headers))
	for name, v := range headers {
		if err := validateHeaderName(name); err != nil {
			return err
		}
		key := http.CanonicalHeaderKey(name)
		if _, dup := canonical[key]; dup {
			return validation.NewError("validation_duplicate_header", "duplicate header "+key)
		}
		canonical[key] = struct{}{}

		if v != "" {
			if err := is.PrintableASCII.Validate(v); err != nil {
				return validation.NewError("validation_invalid_header_value", "header "+key+" must be printable ASCII")
			}
		}
	}
	return nil
}
