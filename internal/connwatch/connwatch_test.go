package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32

	m := NewManager(discardLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "ha",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	time.Sleep(20 * time.Millisecond)

	if !w.IsReady() {
		t.Error("expected IsReady() == true after successful probe")
	}
	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}
	if readyCalled.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", readyCalled.Load())
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("broker down")
	var attempts atomic.Int32

	probe := func(ctx context.Context) error {
		if attempts.Add(1) <= 3 {
			return errDown
		}
		return nil
	}

	m := NewManager(discardLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "cloud-mqtt",
		Probe:   probe,
		Backoff: testBackoff(),
	})

	time.Sleep(100 * time.Millisecond)

	if !w.IsReady() {
		t.Error("expected IsReady() == true after probe recovered")
	}
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
}

func TestWatcher_DownThenRecovered(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("gone")
	var failing atomic.Bool
	var downCalled atomic.Int32

	probe := func(ctx context.Context) error {
		if failing.Load() {
			return errDown
		}
		return nil
	}

	m := NewManager(discardLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "ha",
		Probe:   probe,
		Backoff: testBackoff(),
		OnDown:  func(err error) { downCalled.Add(1) },
	})

	time.Sleep(20 * time.Millisecond)
	if !w.IsReady() {
		t.Fatal("watcher should start ready")
	}

	failing.Store(true)
	time.Sleep(50 * time.Millisecond)
	if w.IsReady() {
		t.Error("expected IsReady() == false after probes started failing")
	}
	if downCalled.Load() == 0 {
		t.Error("OnDown never called")
	}

	failing.Store(false)
	time.Sleep(50 * time.Millisecond)
	if !w.IsReady() {
		t.Error("expected IsReady() == true after recovery")
	}
}

func TestWatcher_Status(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("unreachable")
	m := NewManager(discardLogger())
	m.Watch(ctx, WatcherConfig{
		Name:    "ha",
		Probe:   func(ctx context.Context) error { return errDown },
		Backoff: testBackoff(),
	})

	time.Sleep(50 * time.Millisecond)

	status := m.Status()
	s, ok := status["ha"]
	if !ok {
		t.Fatalf("Status() missing watcher, got %v", status)
	}
	if s.Ready {
		t.Error("status reports ready for a failing service")
	}
	if s.LastError == "" {
		t.Error("status is missing the last error")
	}
	if s.LastCheck.IsZero() {
		t.Error("status is missing the last check time")
	}
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()
	m := NewManager(discardLogger())
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "ha",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	// Wait must return immediately once stopped.
	w.Wait()
}

func TestWatch_PanicsOnMissingProbe(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("Watch without Probe should panic")
		}
	}()

	m := NewManager(discardLogger())
	m.Watch(context.Background(), WatcherConfig{Name: "bad"})
}
