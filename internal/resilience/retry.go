// Package resilience provides the retry-delay calculator, circuit breaker,
// and rate limiter the executor and reference handlers build on.
package resilience

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a pure calculator: given an attempt number it returns how
// long to wait before the next attempt. It never sleeps and never invokes
// anything itself — the executor calls NextDelay once per failed attempt
// and schedules the retry for that long in the future.
type RetryPolicy struct {
	// BaseDelay is the delay used for the first retry (attempt 1).
	BaseDelay time.Duration
	// MaxAttempts bounds how many attempts, the first one included, a task
	// may make before the executor gives up and marks it permanently failed.
	MaxAttempts int
}

// NewRetryPolicy builds a policy from the configured base delay and attempt
// ceiling.
func NewRetryPolicy(baseDelay time.Duration, maxAttempts int) RetryPolicy {
	return RetryPolicy{BaseDelay: baseDelay, MaxAttempts: maxAttempts}
}

// NextDelay computes base * 2^max(0, attempt-1) + U(0, base/3) for the given
// attempt (1-indexed). Attempt numbers below 1 are treated as 1.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	backoffDur := p.BaseDelay
	for i := 0; i < exp; i++ {
		backoffDur *= 2
	}
	jitterCeil := int64(p.BaseDelay / 3)
	var jitter time.Duration
	if jitterCeil > 0 {
		jitter = time.Duration(rand.Int63n(jitterCeil + 1))
	}
	return backoffDur + jitter
}

// Exhausted reports whether attempt has used up the configured retry budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// ErrHandlerNotFound marks a task whose type has no bound handler; the
// executor wraps it via PermanentHandlerNotFound when the registry lookup
// fails. It is always permanent: retrying cannot change the set of
// registered handlers.
var ErrHandlerNotFound = errors.New("handler not found")

// ErrRetriesExhausted marks a task that has failed MaxAttempts times.
var ErrRetriesExhausted = errors.New("retries exhausted")

// PermanentHandlerNotFound wraps ErrHandlerNotFound as a backoff.Permanent
// error so callers can use errors.As to distinguish it from a transient
// handler failure without a bespoke sentinel type switch.
func PermanentHandlerNotFound(taskType string) error {
	return backoff.Permanent(fmt.Errorf("%w: %s", ErrHandlerNotFound, taskType))
}

// PermanentRetriesExhausted wraps ErrRetriesExhausted the same way, for the
// final attempt of a task that has exhausted its retry budget.
func PermanentRetriesExhausted(taskID string, attempts int) error {
	return backoff.Permanent(fmt.Errorf("%w: task %s after %d attempts", ErrRetriesExhausted, taskID, attempts))
}

// IsPermanent reports whether err was wrapped with backoff.Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Permanent wraps any error as non-retryable, for handlers that can tell a
// request is malformed in a way no retry would fix (e.g. an unparseable
// payload) without needing a dedicated sentinel like ErrHandlerNotFound.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
