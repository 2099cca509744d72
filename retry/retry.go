// Package retry provides bounded retry with exponential backoff for calls
// to external HTTP APIs. It is unrelated to the workflow retry budget, which
// counts stage failures, not request attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = 1 * time.Second
)

// RecoverableError marks an error as worth retrying.
type RecoverableError struct {
	err error
}

func NewRecoverableError(err error) *RecoverableError {
	return &RecoverableError{err: err}
}

func (e *RecoverableError) Error() string { return e.err.Error() }

func (e *RecoverableError) Unwrap() error { return e.err }

// IsRecoverable reports whether err is marked recoverable.
func IsRecoverable(err error) bool {
	var recoverable *RecoverableError
	return errors.As(err, &recoverable)
}

// Option configures Do.
type Option func(*options)

type options struct {
	maxRetries int
	baseWait   time.Duration
}

func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// Do invokes fn until it succeeds, returns a non-recoverable error, or the
// attempt budget is spent. Waits between attempts grow exponentially with
// jitter.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{maxRetries: DefaultMaxRetries, baseWait: DefaultBaseWait}
	for _, opt := range opts {
		opt(&o)
	}
	var lastErr error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(o.baseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRecoverable(err) {
			return err
		}
	}
	return lastErr
}

// ShouldRetry reports whether an HTTP status code indicates a transient
// condition.
func ShouldRetry(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
