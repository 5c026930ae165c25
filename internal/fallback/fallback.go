// Package fallback implements the Fallback Orchestrator (spec §4.8),
// grounded directly on original_source/backend/fallback_orchestrator.py:
// the per-stream mode state machine, error classification, recovery
// gating, and the global stats/event-log surfaces (SUPPLEMENTED FEATURES).
package fallback

import (
	"sync"
	"time"

	"github.com/vertaler/s2sbroker/internal/adaptivebuffer"
	"github.com/vertaler/s2sbroker/internal/errs"
	"github.com/vertaler/s2sbroker/internal/quality"
)

// Mode mirrors adaptivebuffer.Mode at the orchestrator level (spec §3
// StreamStatus.mode).
type Mode = adaptivebuffer.Mode

const (
	ModeStreaming = adaptivebuffer.ModeStreaming
	ModeBuffered  = adaptivebuffer.ModeBuffered
)

// Config holds the orchestrator's tunables (spec §4.8, defaults §6.4).
type Config struct {
	FailureThreshold    int
	RecoveryInterval    time.Duration
	MaxRecoveryAttempts int
	QualityThreshold    float64

	GlobalFailureGuardWindow time.Duration // default 5m, "10 failures in last 5min"
	GlobalFailureGuardCount  int           // default 10
	RecoveryGuardWindow      time.Duration // default 3m, "<5 in last 3min"
	RecoveryGuardCount       int           // default 5
	MaxConcurrentRecoveries  int           // default 3

	StreamIdleTTL time.Duration // default 1h, spec §3 StreamStatus lifecycle
	EventLogCap   int           // bounded ring, default 200
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:         3,
		RecoveryInterval:         60 * time.Second,
		MaxRecoveryAttempts:      5,
		QualityThreshold:         0.6,
		GlobalFailureGuardWindow: 5 * time.Minute,
		GlobalFailureGuardCount:  10,
		RecoveryGuardWindow:      3 * time.Minute,
		RecoveryGuardCount:       5,
		MaxConcurrentRecoveries:  3,
		StreamIdleTTL:            time.Hour,
		EventLogCap:              200,
	}
}

// Status is per-stream StreamStatus (spec §3).
type Status struct {
	Mode                Mode
	ConsecutiveFailures int
	LastFailureAt       time.Time
	LastSuccessAt       time.Time
	RecoveryAttempts    int
	lastActivity        time.Time
}

// Event is one fallback/recovery transition, kept in a bounded ring for
// observability (spec §9 "Ring buffers and bounded queues").
type Event struct {
	StreamID string
	From     Mode
	To       Mode
	Reason   errs.FallbackReason
	At       time.Time
}

// GlobalStats is the SUPPLEMENTED FEATURES snapshot (fallback_orchestrator.py's stats dict).
type GlobalStats struct {
	TotalFallbacks   int
	TotalRecoveries  int
	ForcedFallbacks  int
	ActiveRecoveries int
}

// Orchestrator is safe for concurrent use; each stream's Status is mutated
// only while holding the orchestrator-level mutex (spec §5: "mutated only
// from the Orchestrator's methods, which take a per-stream mutex" — a
// single mutex over a small map is the idiomatic equivalent here since the
// critical sections are short).
type Orchestrator struct {
	cfg Config

	mu               sync.Mutex
	streams          map[string]*Status
	events           []Event
	recentFailures   []time.Time // global, for guard checks
	activeRecoveries int

	stats GlobalStats
}

func New(cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = def.RecoveryInterval
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = def.QualityThreshold
	}
	if cfg.GlobalFailureGuardWindow <= 0 {
		cfg.GlobalFailureGuardWindow = def.GlobalFailureGuardWindow
	}
	if cfg.GlobalFailureGuardCount <= 0 {
		cfg.GlobalFailureGuardCount = def.GlobalFailureGuardCount
	}
	if cfg.RecoveryGuardWindow <= 0 {
		cfg.RecoveryGuardWindow = def.RecoveryGuardWindow
	}
	if cfg.RecoveryGuardCount <= 0 {
		cfg.RecoveryGuardCount = def.RecoveryGuardCount
	}
	if cfg.MaxConcurrentRecoveries <= 0 {
		cfg.MaxConcurrentRecoveries = def.MaxConcurrentRecoveries
	}
	if cfg.StreamIdleTTL <= 0 {
		cfg.StreamIdleTTL = def.StreamIdleTTL
	}
	if cfg.EventLogCap <= 0 {
		cfg.EventLogCap = def.EventLogCap
	}
	return &Orchestrator{cfg: cfg, streams: make(map[string]*Status)}
}

func (o *Orchestrator) statusLocked(streamID string, now time.Time) *Status {
	// Opportunistic GC on every access, matching original's cleanup_old_streams
	// being invoked ad hoc rather than via a dedicated ticker (SUPPLEMENTED FEATURES).
	o.gcLocked(now)
	s, ok := o.streams[streamID]
	if !ok {
		s = &Status{Mode: ModeStreaming, lastActivity: now}
		o.streams[streamID] = s
	}
	s.lastActivity = now
	return s
}

func (o *Orchestrator) gcLocked(now time.Time) {
	for id, s := range o.streams {
		if now.Sub(s.lastActivity) > o.cfg.StreamIdleTTL {
			delete(o.streams, id)
		}
	}
}

// DecideMode returns streaming or buffered for the next chunk (spec §4.8
// input a), mirroring decide_processing_mode: a forced-fallback check, then
// a connection-quality gate, then the audio-characteristics recommendation,
// falling back to the stream's stored mode. None of these per-chunk
// recommendations are persisted into the stored Status.Mode themselves
// (only HandleProcessingError/AttemptRecovery do that) — but a buffered
// stream is given a chance to recover back to streaming on every call here,
// so a later chunk's evaluation naturally picks up a completed recovery
// (spec §8 scenario 7, "next chunk evaluation").
func (o *Orchestrator) DecideMode(streamID string, connMetrics quality.Metrics, audioBufferMode adaptivebuffer.Mode) Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	s := o.statusLocked(streamID, now)

	if s.Mode == ModeBuffered {
		o.attemptRecoveryLocked(streamID, s, now)
	}

	if o.shouldForceFallbackLocked(s, now) {
		return ModeBuffered
	}

	// Quality-based decision: poor connection quality forces buffered for
	// this chunk, once there are recent samples to judge it by (spec §4.8,
	// "qualityScore < qualityThreshold with recent samples"). A zero-value
	// Metrics (RequestsPerSecond == 0) means no samples yet, so a fresh
	// stream is not penalized for a cold quality monitor.
	if connMetrics.RequestsPerSecond > 0 && quality.ScoreFromMetrics(connMetrics).Overall < o.cfg.QualityThreshold {
		return ModeBuffered
	}

	// Audio characteristics: the adaptive buffer's own recommendation
	// already encodes the frequency/size heuristics (spec §4.4
	// evaluate_strategies).
	if audioBufferMode != "" {
		return audioBufferMode
	}

	return s.Mode
}

// shouldForceFallbackLocked mirrors _should_force_fallback: consecutive
// failures past the threshold, or the stream's recent failures pushing the
// global failure rate past its guard, force buffered regardless of quality.
func (o *Orchestrator) shouldForceFallbackLocked(s *Status, now time.Time) bool {
	if s.ConsecutiveFailures >= o.cfg.FailureThreshold {
		return true
	}
	return o.globalFailureRateExceedsGuardLocked(now)
}

// HandleProcessingError updates failure counters and returns true iff this
// call triggered a streaming->buffered fallback (spec §4.8 input b).
func (o *Orchestrator) HandleProcessingError(streamID string, err error, currentMode Mode) bool {
	now := time.Now()
	kind := errs.Classify(err)
	reason := errs.ClassifyFallbackReason(kind)

	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.statusLocked(streamID, now)
	s.ConsecutiveFailures++
	s.LastFailureAt = now
	o.recentFailures = append(o.recentFailures, now)
	o.pruneRecentFailuresLocked(now)

	if s.Mode != ModeStreaming {
		return false // already buffered; nothing to fall back from
	}

	// Spec §4.8: any processing error while in streaming mode triggers a
	// fallback to buffered mode. consecutiveFailures/quota/resource-limit
	// and the global failure-rate guard are still tracked (global stats,
	// recovery gating) even though streaming-mode errors alone already force
	// the transition.
	o.transitionLocked(streamID, s, ModeBuffered, reason, now)
	o.stats.ForcedFallbacks++
	return true
}

// RecordSuccess resets the stream's consecutive-failure counter (spec §4.8
// input c, P7).
func (o *Orchestrator) RecordSuccess(streamID string, processingMs float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.statusLocked(streamID, time.Now())
	s.ConsecutiveFailures = 0
	s.LastSuccessAt = time.Now()
}

// ShouldAttemptRecovery gates buffered->streaming re-entry (spec §4.8
// input d / transitions).
func (o *Orchestrator) ShouldAttemptRecovery(streamID string) bool {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.streams[streamID]
	if !ok {
		return false
	}
	return o.shouldAttemptRecoveryLocked(s, now)
}

func (o *Orchestrator) shouldAttemptRecoveryLocked(s *Status, now time.Time) bool {
	if s.Mode != ModeBuffered {
		return false
	}
	if s.RecoveryAttempts >= o.cfg.MaxRecoveryAttempts {
		return false
	}
	if now.Sub(s.LastFailureAt) < o.cfg.RecoveryInterval {
		return false
	}
	return o.globalConditionsFavorRecoveryLocked(now)
}

// AttemptRecovery performs the buffered->streaming transition if
// ShouldAttemptRecovery holds, bumping RecoveryAttempts only when the
// transition is made; a gated call changes nothing and returns false.
func (o *Orchestrator) AttemptRecovery(streamID string) bool {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.streams[streamID]
	if !ok {
		return false
	}
	return o.attemptRecoveryLocked(streamID, s, now)
}

// attemptRecoveryLocked is the shared recovery path called both from the
// public AttemptRecovery and opportunistically from DecideMode (spec §8
// scenario 7: a buffered stream's next chunk evaluation retries recovery).
func (o *Orchestrator) attemptRecoveryLocked(streamID string, s *Status, now time.Time) bool {
	if !o.shouldAttemptRecoveryLocked(s, now) {
		return false
	}
	s.RecoveryAttempts++
	o.activeRecoveries++
	o.transitionLocked(streamID, s, ModeStreaming, errs.ReasonUserPreference, now)
	o.stats.TotalRecoveries++
	return true
}

func (o *Orchestrator) globalFailureRateExceedsGuardLocked(now time.Time) bool {
	o.pruneRecentFailuresLocked(now)
	return len(o.recentFailures) > o.cfg.GlobalFailureGuardCount
}

func (o *Orchestrator) globalConditionsFavorRecoveryLocked(now time.Time) bool {
	cutoff := now.Add(-o.cfg.RecoveryGuardWindow)
	count := 0
	for _, f := range o.recentFailures {
		if f.After(cutoff) {
			count++
		}
	}
	return count < o.cfg.RecoveryGuardCount && o.activeRecoveries < o.cfg.MaxConcurrentRecoveries
}

func (o *Orchestrator) pruneRecentFailuresLocked(now time.Time) {
	cutoff := now.Add(-o.cfg.GlobalFailureGuardWindow)
	kept := o.recentFailures[:0]
	for _, f := range o.recentFailures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	o.recentFailures = kept
}

func (o *Orchestrator) transitionLocked(streamID string, s *Status, to Mode, reason errs.FallbackReason, now time.Time) {
	from := s.Mode
	if from == to {
		return
	}
	s.Mode = to
	o.stats.TotalFallbacks++
	o.events = append(o.events, Event{StreamID: streamID, From: from, To: to, Reason: reason, At: now})
	if len(o.events) > o.cfg.EventLogCap {
		o.events = o.events[len(o.events)-o.cfg.EventLogCap:]
	}
}

// GetStreamStatus returns a copy of a stream's status, for observability/tests.
func (o *Orchestrator) GetStreamStatus(streamID string) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.streams[streamID]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// GetGlobalStats returns the SUPPLEMENTED FEATURES stats snapshot.
func (o *Orchestrator) GetGlobalStats() GlobalStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := o.stats
	stats.ActiveRecoveries = o.activeRecoveries
	return stats
}

// RecentEvents returns a copy of the bounded fallback event log.
func (o *Orchestrator) RecentEvents() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}
