package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRetriesTransientAndSucceeds(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoNeverRetriesAuth(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("unauthorized")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("auth errors must not be retried, got %d calls", calls)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("service unavailable")
	})
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if calls != 2 {
		t.Fatalf("expected exactly MaxAttempts calls, got %d", calls)
	}
}

func TestDelayCapsAndDoubles(t *testing.T) {
	cfg := Config{BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}
	if got := cfg.Delay(1); got != 500*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 500ms", got)
	}
	if got := cfg.Delay(2); got != time.Second {
		t.Errorf("Delay(2) = %v, want 1s", got)
	}
	if got := cfg.Delay(3); got != 2*time.Second {
		t.Errorf("Delay(3) = %v, want 2s", got)
	}
	if got := cfg.Delay(10); got != 2*time.Second {
		t.Errorf("Delay(10) = %v, want capped 2s", got)
	}
}
