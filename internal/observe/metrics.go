// Package observe provides the broker's OpenTelemetry metrics, structured
// the same way MrWong99-glyphoxa/internal/observe/metrics.go does: a
// Metrics struct of named instruments built once from a
// metric.MeterProvider, plus a lazily-initialized package-level default.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/vertaler/s2sbroker"

// Metrics holds every instrument the broker records to. All fields are safe
// for concurrent use; the underlying OTel types handle their own
// synchronization.
type Metrics struct {
	// Pipeline stage latencies.
	RecognizeDuration metric.Float64Histogram
	TranslateDuration metric.Float64Histogram
	SynthesizeDuration metric.Float64Histogram
	PipelineDuration   metric.Float64Histogram

	// Breaker / fallback observability (spec I4: mode switches logged as
	// distinct events, never silent).
	BreakerStateTransitions metric.Int64Counter
	ModeSwitches            metric.Int64Counter
	FallbacksTriggered      metric.Int64Counter
	RecoveriesAttempted     metric.Int64Counter

	// Quality score.
	QualityScore metric.Float64Histogram

	// Connection manager.
	ActiveListeners metric.Int64UpDownCounter
	ActiveStreams   metric.Int64UpDownCounter
	KeepalivePings  metric.Int64Counter
	KeepaliveTimeouts metric.Int64Counter

	// Cache.
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter
}

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

// NewMetrics creates a fully-initialized Metrics struct from mp. Returns an
// error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RecognizeDuration, err = m.Float64Histogram("s2sbroker.recognize.duration",
		metric.WithDescription("Latency of streaming/one-shot recognize calls."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("s2sbroker.translate.duration",
		metric.WithDescription("Latency of translate calls."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.SynthesizeDuration, err = m.Float64Histogram("s2sbroker.synthesize.duration",
		metric.WithDescription("Latency of synthesize calls."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("s2sbroker.pipeline.duration",
		metric.WithDescription("End-to-end translate-then-synthesize pipeline latency."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.BreakerStateTransitions, err = m.Int64Counter("s2sbroker.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions by to-state.")); err != nil {
		return nil, err
	}
	if met.ModeSwitches, err = m.Int64Counter("s2sbroker.fallback.mode_switches",
		metric.WithDescription("Per-stream streaming/buffered mode switches.")); err != nil {
		return nil, err
	}
	if met.FallbacksTriggered, err = m.Int64Counter("s2sbroker.fallback.triggered",
		metric.WithDescription("Total fallback-to-buffered transitions.")); err != nil {
		return nil, err
	}
	if met.RecoveriesAttempted, err = m.Int64Counter("s2sbroker.fallback.recoveries",
		metric.WithDescription("Total recovery-to-streaming attempts.")); err != nil {
		return nil, err
	}
	if met.QualityScore, err = m.Float64Histogram("s2sbroker.quality.score",
		metric.WithDescription("Overall connection quality score [0,1].")); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("s2sbroker.listeners.active",
		metric.WithDescription("Currently connected listener sockets.")); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("s2sbroker.streams.active",
		metric.WithDescription("Currently active named streams.")); err != nil {
		return nil, err
	}
	if met.KeepalivePings, err = m.Int64Counter("s2sbroker.keepalive.pings",
		metric.WithDescription("Keepalive pings sent to listeners.")); err != nil {
		return nil, err
	}
	if met.KeepaliveTimeouts, err = m.Int64Counter("s2sbroker.keepalive.timeouts",
		metric.WithDescription("Listeners removed for pong timeout.")); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("s2sbroker.cache.hits",
		metric.WithDescription("Translation cache hits.")); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("s2sbroker.cache.misses",
		metric.WithDescription("Translation cache misses.")); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics instance, built on first
// call from otel.GetMeterProvider(). Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for attribute.String.
func Attr(key, value string) attribute.KeyValue { return attribute.String(key, value) }

// RecordBreakerTransition records a state transition by to-state label.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, toState string) {
	m.BreakerStateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", toState)))
}

// RecordModeSwitch records a per-stream mode switch.
func (m *Metrics) RecordModeSwitch(ctx context.Context, from, to, reason string) {
	m.ModeSwitches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("reason", reason),
	))
}
