package pxefilter

import (
	"context"
	"time"

	"grimm.is/ferric/internal/ferr"
)

// RetryPolicy is the bounded exponential backoff applied to backend calls
// within a single sync cycle. After MaxAttempts failures the cycle gives up
// and leaves convergence to the next scheduled run.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy matches the tempo of flaky control-plane commands:
// three tries within a second or so.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2.0,
	}
}

// Do runs fn up to MaxAttempts times, sleeping the backoff delay between
// failures. The context aborts both the waits and further attempts. The
// last failure is returned wrapped as a DriverError.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
	}
	return ferr.Driver(lastErr, "backend call failed after %d attempts", attempts)
}
