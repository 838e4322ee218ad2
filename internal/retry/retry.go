package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 10 * time.Second
	hintPadding        = 5 * time.Second
)

// TransientError is implemented by provider errors that may clear on their
// own (429 rate limits, 503 capacity). RetryWaitHint returns the provider's
// estimated wait, 0 when it gave none.
type TransientError interface {
	error
	Transient() bool
	RetryWaitHint() time.Duration
}

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	return o
}

// ExhaustedError reports that every attempt failed with a transient error;
// the last one is wrapped for status/message access.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Do runs fn until it succeeds, fails terminally, or exhausts opts.MaxAttempts.
// Only transient errors are retried; everything else propagates immediately.
// Sleeps between attempts honor ctx cancellation.
func Do[T any](ctx context.Context, opts Options, fn func(context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		var te TransientError
		if !errors.As(err, &te) || !te.Transient() {
			return zero, err
		}
		lastErr = err

		if attempt == opts.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(Delay(te, opts.BaseDelay)):
		}
	}

	return zero, &ExhaustedError{Attempts: opts.MaxAttempts, LastErr: lastErr}
}

// Delay computes the wait before the next attempt: the base delay, or the
// provider's estimated wait plus padding when that is longer.
func Delay(te TransientError, base time.Duration) time.Duration {
	if hint := te.RetryWaitHint(); hint > 0 {
		if padded := hint + hintPadding; padded > base {
			return padded
		}
	}
	return base
}
