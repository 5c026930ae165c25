package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vertaler/s2sbroker/internal/errs"
)

type recorder struct {
	transitions []State
}

func (r *recorder) StateChange(name string, from, to State) { r.transitions = append(r.transitions, to) }
func (r *recorder) Failure(name string, err error)           {}
func (r *recorder) Success(name string)                      {}

func TestBreakerOpensAfterFailMax(t *testing.T) {
	b := New("test", Config{FailMax: 2, ResetTimeout: 30 * time.Second})
	rec := &recorder{}
	b.AddListener(rec)

	fail := func(ctx context.Context) error { return errors.New("boom") }

	if err := b.Call(context.Background(), fail); err == nil {
		t.Fatal("expected failure")
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after 1 failure, got %s", b.State())
	}
	if err := b.Call(context.Background(), fail); err == nil {
		t.Fatal("expected failure")
	}
	if b.State() != Open {
		t.Fatalf("expected open after failMax failures, got %s", b.State())
	}

	// While open, Call must short-circuit without invoking f (P2).
	called := false
	err := b.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("f must not be invoked while breaker is open")
	}
	if !errors.Is(err, errs.ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("test", Config{FailMax: 1, ResetTimeout: 10 * time.Millisecond})
	fail := func(ctx context.Context) error { return errors.New("boom") }
	succeed := func(ctx context.Context) error { return nil }

	_ = b.Call(context.Background(), fail)
	if b.State() != Open {
		t.Fatal("expected open")
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("expected half_open after resetTimeout elapsed, got %s", b.State())
	}

	if err := b.Call(context.Background(), succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
	if b.ConsecutiveFailures() != 0 {
		t.Fatal("consecutiveFailures must reset to 0 on success")
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := New("test", Config{FailMax: 1, ResetTimeout: 10 * time.Millisecond})
	fail := func(ctx context.Context) error { return errors.New("boom") }

	_ = b.Call(context.Background(), fail)
	time.Sleep(20 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatal("expected half_open")
	}
	_ = b.Call(context.Background(), fail)
	if b.State() != Open {
		t.Fatalf("expected open after failed probe, got %s", b.State())
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := New("test", DefaultConfig())
	fail := func(ctx context.Context) error { return errors.New("boom") }
	succeed := func(ctx context.Context) error { return nil }

	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	if b.ConsecutiveFailures() != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", b.ConsecutiveFailures())
	}
	_ = b.Call(context.Background(), succeed)
	if b.ConsecutiveFailures() != 0 {
		t.Fatal("success must reset consecutiveFailures to 0 regardless of prior state")
	}
}
