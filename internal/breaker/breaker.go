// Package breaker implements the process-wide Circuit Breaker (spec §4.1),
// modeled on original_source/backend/resilience.py's use of pybreaker: a
// single shared instance, a small listener hook for observability, and a
// closed/open/half-open state machine guarding one external call at a time.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/vertaler/s2sbroker/internal/errs"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Listener is notified on every state transition, for logging/metrics —
// mirrors resilience.py's CircuitBreakerListener.
type Listener interface {
	StateChange(name string, from, to State)
	Failure(name string, err error)
	Success(name string)
}

// Config holds the breaker's tunables (spec §6.4: failMax default 5,
// resetTimeout default 30s).
type Config struct {
	FailMax      int
	ResetTimeout time.Duration
}

// DefaultConfig returns spec-mandated defaults.
func DefaultConfig() Config {
	return Config{FailMax: 5, ResetTimeout: 30 * time.Second}
}

// Breaker is the single process-wide circuit breaker instance (I3).
type Breaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time

	listeners []Listener
}

// New constructs a Breaker starting in the closed state.
func New(name string, cfg Config) *Breaker {
	if cfg.FailMax <= 0 {
		cfg.FailMax = DefaultConfig().FailMax
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// AddListener registers an observer for state transitions. Not safe to call
// concurrently with Call; register listeners during startup wiring.
func (b *Breaker) AddListener(l Listener) {
	b.listeners = append(b.listeners, l)
}

// State returns the breaker's current state, transitioning closed-on-timeout
// open states to half-open first if resetTimeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

func (b *Breaker) currentStateLocked() State {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.setStateLocked(HalfOpen)
	}
	return b.state
}

func (b *Breaker) setStateLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	for _, l := range b.listeners {
		l.StateChange(b.name, from, to)
	}
}

// Call executes f unless the breaker is open, in which case it fails
// synchronously with errs.ErrBreakerOpen (spec §4.1, I3). A context deadline
// exceeded by f counts as a failure (spec §5 "A timeout of the outer call
// counts as a failure").
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	b.mu.Lock()
	state := b.currentStateLocked()
	if state == Open {
		b.mu.Unlock()
		return errs.ErrBreakerOpen
	}
	b.mu.Unlock()

	err := f(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailureLocked(err)
		return err
	}
	b.recordSuccessLocked()
	return nil
}

func (b *Breaker) recordFailureLocked(err error) {
	for _, l := range b.listeners {
		l.Failure(b.name, err)
	}
	switch b.state {
	case HalfOpen:
		b.openedAt = time.Now()
		b.setStateLocked(Open)
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailMax {
			b.openedAt = time.Now()
			b.setStateLocked(Open)
		}
	}
}

func (b *Breaker) recordSuccessLocked() {
	for _, l := range b.listeners {
		l.Success(b.name)
	}
	b.consecutiveFailures = 0
	if b.state == HalfOpen {
		b.setStateLocked(Closed)
	}
}

// ConsecutiveFailures reports the current failure streak (for tests/observability).
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
