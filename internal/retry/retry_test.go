package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsFirstTry(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	errFlaky := errors.New("flaky")
	calls := 0
	err := Do(context.Background(), Fixed(5, time.Millisecond), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	errDown := errors.New("down")
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(ctx context.Context) error {
		calls++
		return errDown
	})
	if !errors.Is(err, errDown) {
		t.Fatalf("Do error = %v, want wrapped errDown", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ContextCancelReturnsCtxErr(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	errDown := errors.New("down")
	calls := 0
	err := Do(ctx, Fixed(10, time.Hour), func(ctx context.Context) error {
		calls++
		cancel() // cancel during the first attempt's follow-up sleep
		return errDown
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry after cancel)", calls)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	t.Parallel()
	calls := 0
	Do(context.Background(), Policy{}, func(ctx context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExponential_DelayGrowthCapped(t *testing.T) {
	t.Parallel()
	p := Exponential(4, 10*time.Millisecond, 15*time.Millisecond)
	if p.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", p.Multiplier)
	}

	start := time.Now()
	errDown := errors.New("down")
	Do(context.Background(), p, func(ctx context.Context) error { return errDown })
	elapsed := time.Since(start)

	// Delays: 10ms, then capped 15ms, 15ms = 40ms total across 4 attempts.
	if elapsed < 35*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 35ms (delays not applied)", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("elapsed = %v, cap not applied", elapsed)
	}
}
