// Package retry runs an operation a fixed number of times with a fixed pause between attempts.
// One attempt always finishes, including its own cleanup, before the next begins.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int           // total attempts, minimum 1
	Delay       time.Duration // fixed pause between attempts
	// Retryable decides whether a failed attempt may be repeated. Nil means IsRetryable.
	Retryable func(error) bool
	// Name labels log lines.
	Name string
}

// ArchivePolicy is used for building profile archives: 3 attempts, 2 seconds apart.
func ArchivePolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: 2 * time.Second, Name: "profile_archive"}
}

// StorePolicy is used for remote store reads and writes.
func StorePolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: time.Second, Name: "store"}
}

// CopyPolicy is used for local file copies and extraction.
func CopyPolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: 500 * time.Millisecond, Name: "file_copy"}
}

// OnRetry is called after a failed attempt that will be retried. Tests and metrics hook it.
var OnRetry = func(policy string, attempt int, err error) {}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// The context is only consulted while waiting between attempts.
func Do(ctx context.Context, p Policy, fn func() error) error {
	_, err := DoValue(ctx, p, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts || !retryable(err) {
			break
		}
		slog.Warn("attempt failed, retrying",
			slog.String("component", "retry"),
			slog.String("policy", p.Name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("err", err))
		OnRetry(p.Name, attempt, err)

		if p.Delay > 0 {
			t := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, errors.Join(lastErr, ctx.Err())
			case <-t.C:
			}
		}
	}
	return zero, lastErr
}
