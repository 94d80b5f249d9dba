package tokensource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(3, time.Minute, "test")
	assert.Equal(t, CircuitClosed, cb.GetState())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.True(t, cb.CanAttempt())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.CanAttempt())
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(3, time.Minute, "test")
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Equal(t, 0, cb.GetFailureCount())

	// Threshold counts consecutive failures only.
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(1, 10*time.Millisecond, "test")
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.CanAttempt())

	time.Sleep(20 * time.Millisecond)

	// First attempt after the cool-down is the probe; a second concurrent
	// attempt is rejected until the probe resolves.
	assert.True(t, cb.CanAttempt())
	assert.Equal(t, CircuitHalfOpen, cb.GetState())
	assert.False(t, cb.CanAttempt())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.True(t, cb.CanAttempt())
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(1, 10*time.Millisecond, "test")
	cb.RecordFailure()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.CanAttempt())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.CanAttempt())
}
