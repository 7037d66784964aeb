package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Requests fail immediately
	StateHalfOpen                     // Testing whether the engine recovered
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards a remote synthesis engine. After maxFailures
// consecutive failures it opens for resetTimeout, then lets a limited number
// of trial requests through.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	now      func() time.Time
	onChange func(name string, state CircuitState)

	mu            sync.RWMutex
	state         CircuitState
	failures      int
	trials        int
	trialSuccess  int
	openedAt      time.Time
	requests      int64
	totalFailures int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Name returns the guarded service name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OnStateChange registers fn to be called after every transition. It must be
// set before the breaker is shared.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, state CircuitState)) {
	cb.onChange = fn
}

// Call executes fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.RecordResult(err == nil)
	return err
}

// Allow reports whether a request may proceed. Callers that get true must
// report the outcome with RecordResult or give the slot back with Release.
func (cb *CircuitBreaker) Allow() bool {
	return cb.allowRequest()
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	allowed, changed := cb.allowLocked()
	state := cb.state
	cb.mu.Unlock()

	if changed {
		cb.notify(state)
	}
	return allowed
}

func (cb *CircuitBreaker) allowLocked() (allowed, changed bool) {
	switch cb.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.trials = 1
		cb.trialSuccess = 0
		return true, true
	case StateHalfOpen:
		if cb.trials < cb.halfOpenMax {
			cb.trials++
			return true, false
		}
		return false, false
	}
	return false, false
}

// Release gives back a request allowed by Allow whose outcome says nothing
// about the engine, such as one abandoned by its caller. In HalfOpen the
// freed slot can be taken by the next request.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.trials > cb.trialSuccess {
		cb.trials--
	}
}

// RecordResult records the outcome of a request made outside Call.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	before := cb.state
	cb.requests++
	if success {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
	after := cb.state
	cb.mu.Unlock()

	if after != before {
		cb.notify(after)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.trialSuccess++
		if cb.trialSuccess >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.trials = 0
			cb.trialSuccess = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.totalFailures++

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.trials = 0
	cb.trialSuccess = 0
}

func (cb *CircuitBreaker) notify(state CircuitState) {
	if cb.onChange != nil {
		cb.onChange(cb.name, state)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns the state, request and failure totals and the failure
// rate as a percentage.
func (cb *CircuitBreaker) GetStats() (state CircuitState, requestCount, failureCount int64, failureRate float64) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	state = cb.state
	requestCount = cb.requests
	failureCount = cb.totalFailures
	if requestCount > 0 {
		failureRate = float64(failureCount) / float64(requestCount) * 100.0
	}
	return
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.state != StateClosed
	cb.state = StateClosed
	cb.failures = 0
	cb.trials = 0
	cb.trialSuccess = 0
	cb.requests = 0
	cb.totalFailures = 0
	cb.mu.Unlock()

	if changed {
		cb.notify(StateClosed)
	}
}
