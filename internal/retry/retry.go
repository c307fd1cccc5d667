// Package retry implements caller-driven exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
)

const (
	// DefaultBase is the delay before the first retry.
	DefaultBase = time.Second
	// DefaultMax caps any single delay.
	DefaultMax = 30 * time.Second
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
)

// Policy configures Do.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Logger     *slog.Logger
	// Sleep is used instead of a timer when set (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Base: DefaultBase, Max: DefaultMax}
}

// Backoff returns min(base * 2^attempt, max) using the default base and max.
func Backoff(attempt int) time.Duration {
	return Policy{Base: DefaultBase, Max: DefaultMax}.delay(attempt)
}

func (p Policy) delay(attempt int) time.Duration {
	base, maxDelay := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for range attempt {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Do calls fn until it succeeds, returns a non-retryable error, or runs out of retries.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !apperrors.IsRetryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			break
		}

		wait := p.delay(attempt)
		logger.WarnContext(ctx, "retrying after error",
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"wait", wait,
			"category", apperrors.Category(err),
			"error", err)

		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrMaxRetriesExceeded, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
