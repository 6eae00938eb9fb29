package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")
var errRevert = errors.New("execution reverted")

func newTestBreaker(now *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             10 * time.Second,
		HalfOpenMaxRequests: 1,
		IsFailure:           func(err error) bool { return !errors.Is(err, errRevert) },
	})
	cb.now = func() time.Time { return *now }
	return cb
}

func TestOpensAfterThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)

	require.ErrorIs(t, cb.Execute(func() error { return errDown }), errDown)
	assert.Equal(t, StateClosed, cb.GetState())
	require.ErrorIs(t, cb.Execute(func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return errRevert }), errRevert)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	var transitions []string
	cb.config.OnStateChange = func(from, to State) { transitions = append(transitions, from.String()+"->"+to.String()) }

	_ = cb.Execute(func() error { return errDown })
	_ = cb.Execute(func() error { return errDown })
	require.Equal(t, StateOpen, cb.GetState())

	now = now.Add(11 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	_ = cb.Execute(func() error { return errDown })
	_ = cb.Execute(func() error { return errDown })

	now = now.Add(11 * time.Second)
	require.ErrorIs(t, cb.Execute(func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestOpenErrorCarriesRetryAfter(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	cb.config.Name = "ledger"
	_ = cb.Execute(func() error { return errDown })
	_ = cb.Execute(func() error { return errDown })

	now = now.Add(4 * time.Second)
	err := cb.Execute(func() error { return nil })
	var open *OpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "ledger", open.Name)
	assert.Equal(t, 6*time.Second, open.RetryAfter)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestCallerCancellationDoesNotTrip(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}
