package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrPoolExhausted is returned when no connection slot frees up within the
// acquire timeout.
var ErrPoolExhausted = errors.New("connection pool exhausted")

const (
	DefaultMaxSize        = 10
	DefaultIdleTimeout    = 90 * time.Second
	DefaultAcquireTimeout = 1 * time.Second
)

type Config struct {
	MaxSize        int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSize:        DefaultMaxSize,
		IdleTimeout:    DefaultIdleTimeout,
		AcquireTimeout: DefaultAcquireTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	return c
}

// Pool bounds the number of concurrent requests to one endpoint and reuses
// its keep-alive connections.
type Pool struct {
	endpoint  string
	config    Config
	slots     *semaphore.Weighted
	inUse     atomic.Int64
	transport *http.Transport
	client    *http.Client
}

func newPool(endpoint string, config Config) *Pool {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          config.MaxSize,
		MaxIdleConnsPerHost:   config.MaxSize,
		MaxConnsPerHost:       config.MaxSize,
		IdleConnTimeout:       config.IdleTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Pool{
		endpoint:  endpoint,
		config:    config,
		slots:     semaphore.NewWeighted(int64(config.MaxSize)),
		transport: transport,
		client: &http.Client{
			Transport: transport,
			// Redirects are passed back to the caller untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Acquire waits for a free slot. It gives up with ErrPoolExhausted after the
// acquire timeout, or with ctx's error if ctx is done first.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	if err := p.slots.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s (max %d)", ErrPoolExhausted, p.endpoint, p.config.MaxSize)
	}

	p.inUse.Add(1)
	return &Conn{pool: p}, nil
}

func (p *Pool) Endpoint() string {
	return p.endpoint
}

type Stats struct {
	Endpoint string `json:"endpoint"`
	InUse    int    `json:"in_use"`
	MaxSize  int    `json:"max_size"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Endpoint: p.endpoint,
		InUse:    int(p.inUse.Load()),
		MaxSize:  p.config.MaxSize,
	}
}

func (p *Pool) close() {
	p.transport.CloseIdleConnections()
}

// Conn is a leased slot of a Pool.
type Conn struct {
	pool *Pool
	once sync.Once
}

// Do sends req over the pool's transport.
func (c *Conn) Do(req *http.Request) (*http.Response, error) {
	return c.pool.client.Do(req)
}

// Release returns the slot to the pool. Calls after the first are no-ops.
func (c *Conn) Release() {
	c.once.Do(func() {
		c.pool.inUse.Add(-1)
		c.pool.slots.Release(1)
	})
}
