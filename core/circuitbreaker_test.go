package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         maxFailures,
		Timeout:             timeout,
		MaxHalfOpenRequests: 1,
	})
	require.NoError(t, err)
	return cb
}

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	cb := newTestBreaker(t, 3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	cb := newTestBreaker(t, 1, 10*time.Millisecond)

	cb.RecordFailure()
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	time.Sleep(20 * time.Millisecond)

	// First call after the timeout is the probe; a second is rejected.
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrTooManyHalfOpen)
}

func TestCircuitBreaker_RecoversOnSuccess(t *testing.T) {
	cb := newTestBreaker(t, 1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Failures())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(t, 5, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerConfig_Validation(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{Timeout: time.Second, MaxHalfOpenRequests: 1})
	assert.Error(t, err)
	_, err = NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, MaxHalfOpenRequests: 1})
	assert.Error(t, err)
	_, err = NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second})
	assert.Error(t, err)
}
