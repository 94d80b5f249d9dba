package tokensource

import (
	"sync"
	"time"

	"github.com/relaytrust/relaytrust/pkg/logger"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	// CircuitClosed indicates normal operation - requests pass through
	CircuitClosed CircuitState = "closed"
	// CircuitOpen indicates failing state - requests fail immediately
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen indicates recovery testing - limited requests allowed
	CircuitHalfOpen CircuitState = "half_open"
)

// circuitBreaker manages circuit breaker state for a single authorization
// server. It tracks consecutive fetch failures and transitions through
// Closed → Open → HalfOpen → Closed so that a dead token endpoint fails fast
// instead of stacking up doomed requests.
type circuitBreaker struct {
	mu sync.Mutex

	// name identifies the authorization server in logs (a URL hash, not the URL).
	name string

	state            CircuitState
	failureCount     int
	failureThreshold int
	cooldown         time.Duration

	lastStateChange time.Time
	lastFailureTime time.Time

	halfOpenTestInProgress bool
}

func newCircuitBreaker(failureThreshold int, cooldown time.Duration, name string) *circuitBreaker {
	return &circuitBreaker{
		name:             name,
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		lastStateChange:  time.Now(),
	}
}

// RecordSuccess records a successful fetch.
// Resets failure count and transitions to Closed state if not already there.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	previousState := cb.state
	cb.failureCount = 0
	cb.halfOpenTestInProgress = false

	if cb.state != CircuitClosed {
		cb.state = CircuitClosed
		cb.lastStateChange = time.Now()

		if previousState == CircuitHalfOpen {
			logger.Infof("Circuit breaker for authorization server %s CLOSED (recovery successful)", cb.name)
		}
	}
}

// RecordFailure records a failed fetch.
// Increments failure count and transitions to Open if the threshold is exceeded.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitClosed && cb.failureCount >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.lastStateChange = time.Now()
		logger.Warnf("Circuit breaker for authorization server %s OPENED (threshold exceeded)", cb.name)
	} else if cb.state == CircuitHalfOpen {
		// Failed in half-open state, go back to open
		cb.state = CircuitOpen
		cb.lastStateChange = time.Now()
		logger.Warnf("Circuit breaker for authorization server %s returned to OPEN from half-open (recovery failed)", cb.name)
	}
	cb.halfOpenTestInProgress = false
}

// CanAttempt checks if a fetch should be allowed based on circuit state.
// Returns true if the fetch can proceed, false if it should be rejected.
func (cb *circuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		// Check if the cool-down has elapsed to transition to half-open
		if time.Since(cb.lastStateChange) >= cb.cooldown {
			cb.state = CircuitHalfOpen
			cb.lastStateChange = time.Now()
			cb.halfOpenTestInProgress = true
			return true
		}
		return false

	case CircuitHalfOpen:
		// Only allow one probe at a time in half-open state
		if cb.halfOpenTestInProgress {
			return false
		}
		cb.halfOpenTestInProgress = true
		return true

	default:
		return false
	}
}

// GetState returns the current state of the circuit breaker.
func (cb *circuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailureCount returns the current failure count.
func (cb *circuitBreaker) GetFailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
