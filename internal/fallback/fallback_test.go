package fallback

import (
	"errors"
	"testing"
	"time"

	"github.com/vertaler/s2sbroker/internal/quality"
)

func TestNewStreamStartsStreaming(t *testing.T) {
	o := New(DefaultConfig())
	mode := o.DecideMode("s1", quality.Metrics{}, ModeStreaming)
	if mode != ModeStreaming {
		t.Errorf("expected new stream to start in streaming mode, got %v", mode)
	}
}

func TestDecideModeBuffersOnPoorConnectionQuality(t *testing.T) {
	o := New(DefaultConfig())
	mode := o.DecideMode("s1", qualityZero(), ModeStreaming)
	if mode != ModeBuffered {
		t.Errorf("expected poor connection quality to recommend buffered, got %v", mode)
	}
}

func TestDecideModeIgnoresQualityWithoutRecentSamples(t *testing.T) {
	o := New(DefaultConfig())
	mode := o.DecideMode("s1", quality.Metrics{}, ModeStreaming)
	if mode != ModeStreaming {
		t.Errorf("expected a cold quality monitor not to force buffered, got %v", mode)
	}
}

func TestDecideModeHonorsAudioRecommendation(t *testing.T) {
	o := New(DefaultConfig())
	mode := o.DecideMode("s1", qualityGood(), ModeBuffered)
	if mode != ModeBuffered {
		t.Errorf("expected the adaptive buffer's recommendation to drive the decision, got %v", mode)
	}
}

func TestDecideModeAttemptsRecoveryOnNextChunk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryInterval = time.Millisecond
	o := New(cfg)
	o.HandleProcessingError("s1", errors.New("network error"), ModeStreaming)
	time.Sleep(5 * time.Millisecond)

	mode := o.DecideMode("s1", quality.Metrics{}, "")
	if mode != ModeStreaming {
		t.Errorf("expected next chunk evaluation to recover to streaming, got %v", mode)
	}
	status, _ := o.GetStreamStatus("s1")
	if status.Mode != ModeStreaming {
		t.Errorf("expected recovery to persist into stream status, got %v", status.Mode)
	}
}

func TestHandleProcessingErrorTriggersFallback(t *testing.T) {
	o := New(DefaultConfig())
	o.DecideMode("s1", qualityZero(), ModeStreaming)

	triggered := o.HandleProcessingError("s1", errors.New("connection reset by peer"), ModeStreaming)
	if !triggered {
		t.Fatal("expected streaming-mode error to trigger fallback")
	}
	status, ok := o.GetStreamStatus("s1")
	if !ok || status.Mode != ModeBuffered {
		t.Fatalf("expected stream to be in buffered mode, got %+v ok=%v", status, ok)
	}
}

func TestHandleProcessingErrorNoOpWhenAlreadyBuffered(t *testing.T) {
	o := New(DefaultConfig())
	o.HandleProcessingError("s1", errors.New("network error"), ModeStreaming)

	triggered := o.HandleProcessingError("s1", errors.New("another network error"), ModeBuffered)
	if triggered {
		t.Error("expected no additional fallback transition once already buffered")
	}
}

func TestRecordSuccessResetsFailureCounter(t *testing.T) {
	o := New(DefaultConfig())
	o.HandleProcessingError("s1", errors.New("network error"), ModeStreaming)
	o.RecordSuccess("s1", 42.0)

	status, ok := o.GetStreamStatus("s1")
	if !ok {
		t.Fatal("expected stream status to exist")
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected consecutive failures reset to 0, got %d", status.ConsecutiveFailures)
	}
}

func TestShouldAttemptRecoveryFalseBeforeInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryInterval = time.Hour
	o := New(cfg)
	o.HandleProcessingError("s1", errors.New("network error"), ModeStreaming)

	if o.ShouldAttemptRecovery("s1") {
		t.Error("expected recovery to be gated by recovery interval")
	}
}

func TestShouldAttemptRecoveryTrueAfterInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryInterval = time.Millisecond
	o := New(cfg)
	o.HandleProcessingError("s1", errors.New("network error"), ModeStreaming)

	time.Sleep(5 * time.Millisecond)
	if !o.ShouldAttemptRecovery("s1") {
		t.Error("expected recovery to be allowed once interval has elapsed")
	}
}

func TestAttemptRecoveryTransitionsAndTracksAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryInterval = time.Millisecond
	o := New(cfg)
	o.HandleProcessingError("s1", errors.New("network error"), ModeStreaming)
	time.Sleep(5 * time.Millisecond)

	ok := o.AttemptRecovery("s1")
	if !ok {
		t.Fatal("expected recovery attempt to succeed")
	}
	status, _ := o.GetStreamStatus("s1")
	if status.Mode != ModeStreaming {
		t.Errorf("expected stream back in streaming mode, got %v", status.Mode)
	}
	if status.RecoveryAttempts != 1 {
		t.Errorf("expected 1 recorded recovery attempt, got %d", status.RecoveryAttempts)
	}
}

func TestAttemptRecoveryRespectsMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryInterval = time.Millisecond
	cfg.MaxRecoveryAttempts = 1
	o := New(cfg)
	o.HandleProcessingError("s1", errors.New("network error"), ModeStreaming)
	time.Sleep(5 * time.Millisecond)

	if !o.AttemptRecovery("s1") {
		t.Fatal("expected first recovery attempt to succeed")
	}
	// push back to buffered and try again; should now be blocked by the cap
	o.HandleProcessingError("s1", errors.New("network error"), ModeStreaming)
	time.Sleep(5 * time.Millisecond)
	if o.AttemptRecovery("s1") {
		t.Error("expected recovery to be blocked once MaxRecoveryAttempts is reached")
	}
}

func TestGlobalStatsCountFallbacksAndRecoveries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryInterval = time.Millisecond
	o := New(cfg)
	o.HandleProcessingError("s1", errors.New("network error"), ModeStreaming)
	time.Sleep(5 * time.Millisecond)
	o.AttemptRecovery("s1")

	stats := o.GetGlobalStats()
	if stats.TotalFallbacks != 2 {
		t.Errorf("expected 2 total mode transitions recorded, got %d", stats.TotalFallbacks)
	}
	if stats.ForcedFallbacks != 1 {
		t.Errorf("expected 1 forced fallback, got %d", stats.ForcedFallbacks)
	}
	if stats.TotalRecoveries != 1 {
		t.Errorf("expected 1 recovery, got %d", stats.TotalRecoveries)
	}
}

func TestRecentEventsBoundedAndOrdered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventLogCap = 2
	o := New(cfg)
	o.HandleProcessingError("a", errors.New("network error"), ModeStreaming)
	o.HandleProcessingError("b", errors.New("network error"), ModeStreaming)
	o.HandleProcessingError("c", errors.New("network error"), ModeStreaming)

	events := o.RecentEvents()
	if len(events) != 2 {
		t.Fatalf("expected event log capped at 2, got %d", len(events))
	}
	if events[0].StreamID != "b" || events[1].StreamID != "c" {
		t.Errorf("expected oldest event evicted, got %+v", events)
	}
}

func qualityZero() quality.Metrics {
	return quality.Metrics{AverageLatencyMs: 3000, SuccessRate: 0, FailureRate: 1, RequestsPerSecond: 5, JitterMs: 500}
}

func qualityGood() quality.Metrics {
	return quality.Metrics{AverageLatencyMs: 20, SuccessRate: 1, FailureRate: 0, RequestsPerSecond: 5, JitterMs: 5}
}
