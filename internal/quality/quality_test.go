package quality

import (
	"testing"
	"time"
)

func TestExcellentQuality(t *testing.T) {
	m := New(DefaultConfig())
	now := time.Now()
	for i := 0; i < 25; i++ {
		start := now.Add(time.Duration(i) * 100 * time.Millisecond)
		end := start.Add(10 * time.Millisecond)
		m.RecordTiming(start, end, true)
	}
	score := m.CalculateQualityScore()
	if score.Level != Excellent {
		t.Errorf("expected excellent, got %s (overall=%.2f)", score.Level, score.Overall)
	}
}

func TestCriticalOnLowSuccessRate(t *testing.T) {
	m := New(DefaultConfig())
	now := time.Now()
	for i := 0; i < 25; i++ {
		start := now.Add(time.Duration(i) * 100 * time.Millisecond)
		end := start.Add(10 * time.Millisecond)
		m.RecordTiming(start, end, i%3 == 0) // ~33% success
	}
	score := m.CalculateQualityScore()
	if score.Level != Critical {
		t.Errorf("expected critical on low success rate, got %s", score.Level)
	}
}

func TestScoreLatencyThresholds(t *testing.T) {
	cases := []struct {
		ms   float64
		want float64
	}{{10, 1.0}, {100, 0.8}, {250, 0.6}, {500, 0.3}, {5000, 0.1}}
	for _, c := range cases {
		if got := scoreLatency(c.ms); got != c.want {
			t.Errorf("scoreLatency(%v) = %v, want %v", c.ms, got, c.want)
		}
	}
}

func TestIsQualityDegradedBeforeAnyScore(t *testing.T) {
	m := New(DefaultConfig())
	if !m.IsQualityDegraded() {
		t.Error("with no score computed yet, quality should be considered degraded (fail safe)")
	}
}

func TestColdStartFallsBackToTail(t *testing.T) {
	m := New(Config{Capacity: 1000, MeasurementWindow: time.Millisecond, MinSamplesFloor: 20, QualityThreshold: 0.7})
	now := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		m.RecordTiming(now, now.Add(10*time.Millisecond), true)
	}
	mx := m.CurrentMetrics()
	if mx.SuccessRate != 1 {
		t.Errorf("expected cold-start fallback to use available history, got successRate=%v", mx.SuccessRate)
	}
}
