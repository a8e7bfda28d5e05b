package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds the retries providers make for transient failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetry retries three times with delays of 1s, 2s and 4s.
var DefaultRetry = RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}

// Backoff returns the exponential backoff delay for the given attempt number.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// MaxDelay is the longest single wait Do accepts, twice the last backoff.
func (p RetryPolicy) MaxDelay() time.Duration {
	return p.BaseDelay << p.MaxRetries
}

// RetryableError marks a failure worth another attempt. A zero After
// means "use the policy backoff"; Do caps it at MaxDelay.
type RetryableError struct {
	Err   error
	After time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so Do tries again.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// Do runs send until it succeeds, returns a non-retryable error, or the
// policy is exhausted. provider names the caller in logs and errors.
func (p RetryPolicy) Do(ctx context.Context, provider string, send func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Backoff(attempt)
			var re *RetryableError
			if errors.As(lastErr, &re) && re.After > 0 {
				delay = min(re.After, p.MaxDelay())
			}
			slog.Debug("retrying provider request",
				"provider", provider,
				"attempt", attempt,
				"max_retries", p.MaxRetries,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		err := send(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var re *RetryableError
		if !errors.As(err, &re) {
			return err
		}
		slog.Warn("provider request failed",
			"provider", provider,
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("%s request failed after %d retries: %w", provider, p.MaxRetries, lastErr)
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
