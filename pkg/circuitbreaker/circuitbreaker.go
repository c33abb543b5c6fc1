// Package circuitbreaker stops calling a failing dependency for a cooldown
// once it has failed too many times in a row.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the
// circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold successes while half-open close it again.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// MaxProbes caps concurrent calls while half-open.
	MaxProbes int
	// IsFailure classifies errors. Errors it rejects pass through without
	// counting. Nil counts every error except context cancellation.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxProbes:        3,
	}
}

type Stats struct {
	State          State
	Failures       int
	Successes      int
	Probes         int
	LastFailure    time.Time
	StateChangedAt time.Time
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	probes        int
	lastFailure   time.Time
	changedAt     time.Time
	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	return &CircuitBreaker{
		config:    config,
		now:       time.Now,
		changedAt: time.Now(),
	}
}

// OnStateChange registers fn to run, on its own goroutine, after every
// transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the circuit is open and records the outcome.
// The error from fn is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := Do(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do runs fn through cb and returns its result.
func Do[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if !cb.allow() {
		return zero, ErrOpen
	}
	result, err := fn()
	cb.record(err)
	return result, err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.changedAt) < cb.config.Cooldown {
			return false
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probes++
		return true
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			return false
		}
		cb.probes++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	if err != nil && cb.config.IsFailure(err) {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
		return
	}

	cb.failures = 0
	cb.successes++
	if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.transitionLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.changedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:          cb.state,
		Failures:       cb.failures,
		Successes:      cb.successes,
		Probes:         cb.probes,
		LastFailure:    cb.lastFailure,
		StateChangedAt: cb.changedAt,
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failures = 0
	cb.successes = 0
}
