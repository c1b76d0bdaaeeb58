package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is returned by the HTTP clients when a remote answered with a
// non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err wraps a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// RetryPolicy is how one remote API is retried.
type RetryPolicy struct {
	// Attempts is the total number of calls, at least one.
	Attempts        int
	InitialInterval time.Duration
	// MaxInterval caps the delay between calls, zero uses the backoff default.
	MaxInterval time.Duration
	// Retryable picks the statuses worth another attempt. Nil retries 503 and
	// 504 only.
	Retryable func(code int) bool
}

// TemporaryStatus is the default Retryable.
func TemporaryStatus(code int) bool {
	return code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

func (p RetryPolicy) retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if p.Retryable == nil {
		return TemporaryStatus(se.Code)
	}
	return p.Retryable(se.Code)
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	opts := []backoff.ExponentialBackOffOpts{backoff.WithMaxElapsedTime(0)}
	if p.InitialInterval > 0 {
		opts = append(opts, backoff.WithInitialInterval(p.InitialInterval))
	}
	if p.MaxInterval > 0 {
		opts = append(opts, backoff.WithMaxInterval(p.MaxInterval))
	}
	retries := uint64(max(p.Attempts, 1) - 1)
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(opts...), retries), ctx)
}

// Retry calls fn until it succeeds or fails in a way p doesn't retry, for at
// most p.Attempts calls. It stops early once ctx is done.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn(ctx)
		if err == nil || p.retryable(err) {
			return v, err
		}
		return v, backoff.Permanent(err)
	}, p.backOff(ctx))
}
