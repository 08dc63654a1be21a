package core

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPermanentErrorSingleAttempt(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, sleep: func(time.Duration) {
		t.Fatal("must not sleep on a permanent error")
	}}

	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return ErrDeviceNotFound
	})

	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, 1, attempts)
}

func TestRetryTransientErrorExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, sleep: func(d time.Duration) {
		delays = append(delays, d)
	}}

	cause := errors.New("dial tcp: connection refused")
	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return cause
	})

	assert.ErrorIs(t, err, cause, "final error propagates unwrapped")
	assert.Equal(t, 3, attempts)
	require.Len(t, delays, 2, "no sleep after the final attempt")
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
}

func TestRetryRecoversMidway(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, sleep: func(time.Duration) {}}

	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return driver.ErrBadConn
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, sleep: func(time.Duration) {}}

	attempts := 0
	err := policy.Do(ctx, func() error {
		attempts++
		cancel()
		return driver.ErrBadConn
	})

	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Equal(t, 1, attempts)
}

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"business error", ErrAccessDenied, false},
		{"wrapped business error", wrappedErr{ErrDoorBusy}, false},
		{"bad conn", driver.ErrBadConn, true},
		{"deadline", context.DeadlineExceeded, true},
		{"connection refused", errors.New("dial tcp 10.0.0.1:5432: connection refused"), true},
		{"pool exhausted", errors.New("connection pool exhausted"), true},
		{"timed out", errors.New("read timed out"), true},
		{"plain failure", errors.New("duplicate key value violates unique constraint"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, IsTransient(tc.err))
		})
	}
}

type wrappedErr struct{ inner error }

func (w wrappedErr) Error() string { return "storage: " + w.inner.Error() }
func (w wrappedErr) Unwrap() error { return w.inner }

func TestNewRetryPolicyDefaults(t *testing.T) {
	policy := NewRetryPolicy(0, 0)

	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, policy.BaseDelay)
}
