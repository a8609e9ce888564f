package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing fast
	StateHalfOpen              // Admitting a bounded number of probes
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned by Allow when the target is being skipped.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError names the target whose breaker rejected the attempt.
type OpenError struct {
	Target string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open", e.Target)
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

const (
	DefaultFailureThreshold   = 5
	DefaultRecoveryTimeout    = 30 * time.Second
	DefaultHalfOpenTrialLimit = 1
	DefaultSuccessThreshold   = 2
)

type Config struct {
	FailureThreshold   int
	RecoveryTimeout    time.Duration
	HalfOpenTrialLimit int
	SuccessThreshold   int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:   DefaultFailureThreshold,
		RecoveryTimeout:    DefaultRecoveryTimeout,
		HalfOpenTrialLimit: DefaultHalfOpenTrialLimit,
		SuccessThreshold:   DefaultSuccessThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.HalfOpenTrialLimit <= 0 {
		c.HalfOpenTrialLimit = DefaultHalfOpenTrialLimit
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	return c
}

// StateChangeFunc observes breaker transitions. It is called with the
// breaker lock held and must not call back into the breaker.
type StateChangeFunc func(target string, from, to State)

// Status is a point-in-time view of a breaker.
type Status struct {
	State                State
	ConsecutiveFailures  int
	HalfOpenSuccesses    int
	TimeSinceLastFailure time.Duration // zero if no failure was ever recorded
}

type CircuitBreaker struct {
	mutex         sync.Mutex
	target        string
	config        Config
	now           func() time.Time
	onStateChange StateChangeFunc

	state             State
	failures          int
	halfOpenSuccesses int
	halfOpenInFlight  int
	openedAt          time.Time
	lastFailure       time.Time
	generation        uint64
}

type Option func(*CircuitBreaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

func WithStateChangeFunc(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

func NewCircuitBreaker(target string, config Config, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		target: target,
		config: config.withDefaults(),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Target() string {
	return cb.target
}

// Permit is the right to make one call through the breaker. Exactly one of
// Success, Failure or Cancel must be called; later calls are ignored.
type Permit struct {
	cb         *CircuitBreaker
	generation uint64
	probe      bool
	once       sync.Once
}

func (p *Permit) Success() {
	p.once.Do(func() { p.cb.record(p, true) })
}

func (p *Permit) Failure() {
	p.once.Do(func() { p.cb.record(p, false) })
}

// Cancel gives the permit back without an outcome, for attempts that never
// reached the target.
func (p *Permit) Cancel() {
	p.once.Do(func() { p.cb.release(p) })
}

// Allow reports whether a call may proceed. The Open to HalfOpen transition
// happens here, lazily, once the recovery timeout has elapsed.
func (cb *CircuitBreaker) Allow() (*Permit, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		return cb.permit(false), nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.RecoveryTimeout {
			return nil, &OpenError{Target: cb.target}
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenTrialLimit {
			return nil, &OpenError{Target: cb.target}
		}
		cb.halfOpenInFlight++
		return cb.permit(true), nil
	default:
		return nil, &OpenError{Target: cb.target}
	}
}

func (cb *CircuitBreaker) permit(probe bool) *Permit {
	return &Permit{cb: cb, generation: cb.generation, probe: probe}
}

func (cb *CircuitBreaker) record(p *Permit, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	if !success {
		cb.lastFailure = now
	}

	// Results from before the last transition describe a target state we
	// have already acted on.
	if p.generation != cb.generation {
		return
	}

	if p.probe && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	switch cb.state {
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.open(now)
		}
	case StateHalfOpen:
		if !success {
			cb.open(now)
			return
		}
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) release(p *Permit) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if p.generation == cb.generation && p.probe && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.openedAt = now
	cb.transition(StateOpen)
}

// transition moves to state and resets the counters that the new state
// requires to start from zero.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.generation++

	switch to {
	case StateClosed:
		cb.failures = 0
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = 0
	case StateOpen:
		cb.halfOpenInFlight = 0
	}

	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.target, from, to)
	}
}

// Reset forces the breaker to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.transition(StateClosed)
	cb.openedAt = time.Time{}
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Status() Status {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	status := Status{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		HalfOpenSuccesses:   cb.halfOpenSuccesses,
	}
	if !cb.lastFailure.IsZero() {
		status.TimeSinceLastFailure = cb.now().Sub(cb.lastFailure)
	}
	return status
}
