package resilience

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Circuit breaker state constants.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// CircuitBreaker implements the circuit breaker pattern for one upstream.
//
//   - closed: normal operation, requests flow through
//   - open: circuit tripped, requests fail fast
//   - half_open: testing if the upstream recovered, limited requests allowed
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clock  clockwork.Clock

	mu               sync.Mutex
	state            string
	failures         int
	successes        int
	halfOpenAttempts int
	openedAt         time.Time
	lastFailureAt    time.Time
}

// NewCircuitBreaker creates a closed circuit breaker. A nil clock selects
// the real clock.
func NewCircuitBreaker(config CircuitBreakerConfig, clock clockwork.Clock) *CircuitBreaker {
	// Apply defaults for zero values
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &CircuitBreaker{
		config: config,
		clock:  clock,
		state:  CircuitClosed,
	}
}

// Allow reports whether a request may proceed. In half-open state it
// reserves one of the limited attempt slots; the caller must report the
// outcome with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()

	switch cb.state {
	case CircuitOpen:
		if now.Sub(cb.openedAt) < cb.config.OpenTimeout {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.successes = 0
		cb.failures = 0
		cb.halfOpenAttempts = 1
		return true

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMaxRequests {
			return false
		}
		cb.halfOpenAttempts++
		return true
	}

	return true
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		// Release the reserved slot
		if cb.halfOpenAttempts > 0 {
			cb.halfOpenAttempts--
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
			cb.halfOpenAttempts = 0
		}
	case CircuitClosed:
		// Reset consecutive failure count on success
		cb.failures = 0
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	cb.lastFailureAt = now

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = now
		}

	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.openedAt = now
		cb.successes = 0
		cb.halfOpenAttempts = 0
	}
}

// State returns the current circuit state. An open circuit whose timeout has
// expired reports half_open.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.clock.Since(cb.openedAt) >= cb.config.OpenTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// RetryIn returns how long an open circuit keeps rejecting requests.
// Zero when the circuit is not open.
func (cb *CircuitBreaker) RetryIn() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return 0
	}
	remaining := cb.config.OpenTimeout - cb.clock.Since(cb.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenAttempts = 0
	cb.openedAt = time.Time{}
}
