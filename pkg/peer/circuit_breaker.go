package peer

import (
	"sync"
	"time"
)

// CircuitState is the state of a peer's circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	MaxFailures  uint32
	Timeout      time.Duration
	ResetTimeout time.Duration
}

// CircuitBreaker guards requests to one remote peer, grounded on the
// teacher's upstream circuit breaker (pkg/cache/upstream/circuit_breaker.go)
// but scoped to the federated peer helper (C7) instead of a fixed upstream.
type CircuitBreaker struct {
	mu           sync.RWMutex
	state        CircuitState
	failures     uint32
	lastFailTime time.Time
	config       CircuitBreakerConfig
}

// NewCircuitBreaker returns a CircuitBreaker, filling unset config fields
// with defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	if config.ResetTimeout == 0 {
		config.ResetTimeout = 5 * time.Minute
	}

	return &CircuitBreaker{state: CircuitClosed, config: config}
}

// IsOpen reports whether requests are currently blocked.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.state == CircuitOpen
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure, opening the circuit once MaxFailures is
// reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.failures >= cb.config.MaxFailures {
		cb.state = CircuitOpen
	}
}

// CanAttempt reports whether a request may be attempted, advancing an open
// circuit to half-open once Timeout has elapsed.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case CircuitClosed:
		if now.Sub(cb.lastFailTime) > cb.config.ResetTimeout {
			cb.failures = 0
		}

		return true
	case CircuitOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = CircuitHalfOpen

			return true
		}

		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// GetState returns the current circuit state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.state
}
