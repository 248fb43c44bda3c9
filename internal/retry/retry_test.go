package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ReturnsUnwrappedErrorWhenExhausted(t *testing.T) {
	cause := errors.New("timeout")
	err := Do(context.Background(), fastConfig(2), func() error {
		return Transient(cause)
	})
	if err != cause {
		t.Fatalf("expected the last cause, got %v", err)
	}
	if IsTransient(err) {
		t.Error("exhausted error should not stay marked transient")
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{MaxAttempts: 0, InitialWait: time.Hour, Multiplier: 1}
	err := Do(ctx, cfg, func() error {
		return Transient(errors.New("offline"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoff_CapsAtMaxWait(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 3 * time.Second, Multiplier: 2}
	if got := cfg.Backoff(1); got != time.Second {
		t.Errorf("Backoff(1) = %v, want 1s", got)
	}
	if got := cfg.Backoff(10); got != 3*time.Second {
		t.Errorf("Backoff(10) = %v, want 3s", got)
	}
}
