package core

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"
)

// RetryPolicy wraps persistence calls with exponential backoff. Only
// transient storage errors are retried; domain errors and anything
// non-transient re-raise immediately so callers can still tell
// "database down" apart from "validation failed". Errors from the final
// attempt propagate unwrapped.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// NewRetryPolicy builds a policy with the given ceiling and base delay.
// Zero values fall back to 3 attempts and 100ms.
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		sleep:       time.Sleep,
	}
}

// Do runs op, retrying on transient errors with delay base * 2^(n-1)
// between attempts.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	wait := p.sleep
	if wait == nil {
		wait = time.Sleep
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == p.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		wait(p.BaseDelay << (attempt - 1))
	}
	return err
}

// IsTransient classifies a storage error as retryable. The predicate
// looks only at the error, never at the operation: connection-level
// failures and timeouts are transient, everything else (not-found,
// validation, conflicts) is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Domain errors are never transient.
	var be BusinessError
	if errors.As(err, &be) {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"too many connections",
		"connection pool",
		"timeout",
		"timed out",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
