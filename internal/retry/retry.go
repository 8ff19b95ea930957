// Package retry wraps transaction-send style operations with bounded
// retries and transient-error classification.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Options controls retry behavior.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultOptions matches the shared transaction-send policy: up to 3
// attempts with linear backoff of 2s per attempt number.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, BaseDelay: 2 * time.Second}
}

// transientMarkers identify errors worth retrying. Matched case-insensitively
// against the whole unwrapped cause chain.
var transientMarkers = []string{
	"nonce",
	"replacement transaction",
	"existing transaction had higher priority",
	"internal error",
	"timeout",
	"econnreset",
	"econnrefused",
	"network",
}

// Do runs fn with the default options.
func Do[T any](ctx context.Context, label string, fn func() (T, error)) (T, error) {
	return DoWith(ctx, label, fn, DefaultOptions())
}

// DoWith runs fn until it succeeds, the error is terminal, retries are
// exhausted, or ctx is cancelled.
func DoWith[T any](ctx context.Context, label string, fn func() (T, error), opts Options) (T, error) {
	var zero T
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			log.Debug().Err(err).Str("op", label).Msg("terminal error, not retrying")
			return zero, err
		}
		if attempt == opts.MaxRetries {
			break
		}

		delay := opts.BaseDelay * time.Duration(attempt)
		log.Warn().
			Err(err).
			Str("op", label).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient error, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

// IsTransient reports whether any error in the cause chain carries a
// transient marker.
func IsTransient(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := strings.ToLower(e.Error())
		for _, marker := range transientMarkers {
			if strings.Contains(msg, marker) {
				return true
			}
		}
	}
	return false
}
