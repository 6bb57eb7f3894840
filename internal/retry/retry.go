// Package retry provides a bounded retry primitive shared by the cloud
// session manager, the discovery engine, and the NTP check. It bounds
// retries by attempt count and supports fixed or exponential delays;
// all sleeps are context-aware.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy controls retry timing. Attempts is the total number of calls,
// not the number of retries.
type Policy struct {
	// Attempts is the maximum number of calls to make (minimum 1).
	Attempts int

	// Delay is the wait between attempts.
	Delay time.Duration

	// Multiplier scales the delay after each attempt. Values <= 1 keep
	// the delay fixed.
	Multiplier float64

	// MaxDelay caps exponential growth. Zero means no cap.
	MaxDelay time.Duration
}

// Fixed returns a fixed-delay policy: attempts calls, delay apart.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

// Exponential returns a doubling-delay policy capped at maxDelay.
func Exponential(attempts int, initial, maxDelay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: initial, Multiplier: 2.0, MaxDelay: maxDelay}
}

// Do calls fn until it returns nil, the policy's attempts are
// exhausted, or ctx is cancelled. The last error from fn is returned
// wrapped with the attempt count; context cancellation is returned
// as-is so callers can distinguish shutdown from failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	delay := p.Delay
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == p.Attempts {
			break
		}

		if !sleep(ctx, delay) {
			return ctx.Err()
		}

		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}

	return fmt.Errorf("after %d attempts: %w", p.Attempts, lastErr)
}

// sleep waits for d or until ctx is cancelled. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
