// Package resilience protects upstream servers from request storms.
//
// A CircuitBreaker trips after consecutive upstream failures and fails
// requests fast until the server has had time to recover. A RetryGate holds
// requests back while a 429 Retry-After window is open. Both are in-memory
// and scoped to one upstream server; pipeboard runs as a single long-lived
// process, so there is nothing to coordinate across processes.
package resilience

import (
	"time"
)

// Config holds configuration for all resilience primitives.
type Config struct {
	// CircuitBreaker configures the circuit breaker pattern.
	CircuitBreaker CircuitBreakerConfig

	// MaxRetryAfter caps how long a Retry-After header can block requests.
	// Default: 5 minutes
	MaxRetryAfter time.Duration
}

// CircuitBreakerConfig configures the circuit breaker pattern.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in half-open
	// state before closing the circuit.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long to wait before transitioning from open to half-open.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// HalfOpenMaxRequests is the max concurrent requests allowed in half-open state.
	// Default: 1
	HalfOpenMaxRequests int
}

// DefaultConfig returns a Config with defaults suited to a GitLab server.
func DefaultConfig() *Config {
	return &Config{
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			SuccessThreshold:    2,
			OpenTimeout:         30 * time.Second,
			HalfOpenMaxRequests: 1,
		},
		MaxRetryAfter: 5 * time.Minute,
	}
}

// WithCircuitBreaker returns a copy of the config with custom circuit breaker settings.
func (c *Config) WithCircuitBreaker(cb CircuitBreakerConfig) *Config {
	copy := *c
	copy.CircuitBreaker = cb
	return &copy
}

// WithFailureThreshold sets the failure threshold for the circuit breaker.
func (cb CircuitBreakerConfig) WithFailureThreshold(n int) CircuitBreakerConfig {
	cb.FailureThreshold = n
	return cb
}

// WithOpenTimeout sets the open timeout for the circuit breaker.
func (cb CircuitBreakerConfig) WithOpenTimeout(d time.Duration) CircuitBreakerConfig {
	cb.OpenTimeout = d
	return cb
}
