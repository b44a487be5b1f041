package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"docqa/internal/apperr"
)

// Policy is a bounded, fixed-delay retry policy.
type Policy struct {
	Attempts  int
	Delay     time.Duration
	Retryable func(error) bool
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempts
// are used up. Exhaustion wraps the last error with apperr.ErrTransientStore.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	tries := 0
	var last error
	b := goretry.WithMaxRetries(uint64(attempts-1), goretry.NewConstant(nonZero(p.Delay)))
	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		tries++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if tries < attempts {
			slog.WarnContext(ctx, "transient failure, retrying", "op", op, "attempt", tries, "max_attempts", attempts, "error", err)
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if last != nil && p.Retryable != nil && p.Retryable(last) && tries >= attempts {
		return fmt.Errorf("%w: %s failed after %d attempts: %w", apperr.ErrTransientStore, op, tries, last)
	}
	return err
}

// go-retry rejects a zero constant backoff.
func nonZero(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}
