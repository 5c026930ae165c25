// Package adaptivebuffer implements the per-stream Adaptive Stream Buffer
// (spec §4.4), grounded directly on
// original_source/backend/adaptive_stream_buffer.py: a rolling window of
// chunk metrics, a scored streaming-vs-buffered decision with hysteresis,
// and the secondary evaluate_strategies diagnostic (SUPPLEMENTED FEATURES).
package adaptivebuffer

import (
	"sync"
	"time"
)

// Mode is the recommended processing mode for a stream.
type Mode string

const (
	ModeStreaming Mode = "streaming"
	ModeBuffered  Mode = "buffered"
)

// Config holds the scoring thresholds (spec §4.4, defaults from §6.4).
type Config struct {
	StreamingThresholdBytes int
	FreqThreshold           float64 // chunks/sec, default 8
	QualityThreshold        float64 // default 0.7
	WindowSize              int     // rolling window length, default 20
}

func DefaultConfig() Config {
	return Config{StreamingThresholdBytes: 5000, FreqThreshold: 8, QualityThreshold: 0.7, WindowSize: 20}
}

type chunkMetric struct {
	size     int
	quality  float64
	arrival  time.Time
}

// SwitchEvent records a mode transition for observability (spec §4.4:
// "Switches are recorded with {from, to, reason}").
type SwitchEvent struct {
	From   Mode
	To     Mode
	Reason string
	At     time.Time
}

// Analytics is the computed window snapshot driving the mode decision.
type Analytics struct {
	AvgChunkBytes   float64
	Last3MaxBytes   int
	ChunkFrequency  float64
	AvgQuality      float64
	Efficiency      float64
}

// Buffer is one stream's adaptive buffer. Safe for concurrent use.
type Buffer struct {
	cfg Config

	mu           sync.Mutex
	window       []chunkMetric
	currentMode  Mode
	switches     []SwitchEvent
	maxSwitchLog int
}

func New(cfg Config) *Buffer {
	def := DefaultConfig()
	if cfg.StreamingThresholdBytes <= 0 {
		cfg.StreamingThresholdBytes = def.StreamingThresholdBytes
	}
	if cfg.FreqThreshold <= 0 {
		cfg.FreqThreshold = def.FreqThreshold
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = def.QualityThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	return &Buffer{cfg: cfg, currentMode: ModeBuffered, maxSwitchLog: 100}
}

// AddChunk records one chunk's metrics and returns the recommended mode
// after re-evaluating the rolling window (spec §4.4).
func (b *Buffer) AddChunk(size int, quality float64, arrival time.Time) Mode {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = append(b.window, chunkMetric{size: size, quality: quality, arrival: arrival})
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}

	analytics := b.analyticsLocked()
	decided, reason := decide(analytics, b.cfg, b.currentMode)
	if decided != b.currentMode {
		b.switches = append(b.switches, SwitchEvent{From: b.currentMode, To: decided, Reason: reason, At: arrival})
		if len(b.switches) > b.maxSwitchLog {
			b.switches = b.switches[len(b.switches)-b.maxSwitchLog:]
		}
		b.currentMode = decided
	}
	return b.currentMode
}

func (b *Buffer) analyticsLocked() Analytics {
	if len(b.window) == 0 {
		return Analytics{}
	}
	var totalBytes int
	var totalQuality float64
	for _, c := range b.window {
		totalBytes += c.size
		totalQuality += c.quality
	}
	n := len(b.window)
	avgBytes := float64(totalBytes) / float64(n)
	avgQuality := totalQuality / float64(n)

	last3 := b.window
	if len(last3) > 3 {
		last3 = last3[len(last3)-3:]
	}
	max3 := 0
	for _, c := range last3 {
		if c.size > max3 {
			max3 = c.size
		}
	}

	span := b.window[n-1].arrival.Sub(b.window[0].arrival).Seconds()
	freq := 0.0
	if span > 0 {
		freq = float64(n) / span
	} else if n > 1 {
		freq = float64(n)
	}

	efficiency := 0.0
	if avgBytes > 0 {
		efficiency = avgBytes / float64(totalBytes/n+1)
		if efficiency > 1 {
			efficiency = 1
		}
	}

	return Analytics{
		AvgChunkBytes:  avgBytes,
		Last3MaxBytes:  max3,
		ChunkFrequency: freq,
		AvgQuality:     avgQuality,
		Efficiency:     efficiency,
	}
}

// decide scores streaming vs buffered per spec §4.4's point system, applying
// hysteresis against the currently active mode.
func decide(a Analytics, cfg Config, current Mode) (Mode, string) {
	streamingScore := 0
	if a.AvgChunkBytes >= float64(cfg.StreamingThresholdBytes) {
		streamingScore += 3
	}
	if a.Last3MaxBytes >= cfg.StreamingThresholdBytes {
		streamingScore += 2
	}
	if a.ChunkFrequency > cfg.FreqThreshold {
		streamingScore += 2
	}
	if a.AvgQuality > cfg.QualityThreshold {
		streamingScore += 2
	}
	if a.Efficiency > 0.8 {
		streamingScore += 1
	}

	bufferedScore := 0
	if a.AvgChunkBytes < float64(cfg.StreamingThresholdBytes)/2 && a.ChunkFrequency < cfg.FreqThreshold {
		bufferedScore += 2
	}
	if a.ChunkFrequency < cfg.FreqThreshold/2 {
		bufferedScore += 3
	}
	if a.AvgQuality < cfg.QualityThreshold/2 {
		bufferedScore += 2
	}

	switch current {
	case ModeStreaming:
		if bufferedScore > streamingScore {
			return ModeBuffered, "buffered_score_exceeded_streaming"
		}
		return ModeStreaming, ""
	default: // ModeBuffered
		if streamingScore >= bufferedScore {
			return ModeStreaming, "streaming_score_met_or_exceeded_buffered"
		}
		return ModeBuffered, ""
	}
}

// EvaluateStrategies is a read-only diagnostic returning the set of modes
// plausible given current conditions, independent of (and not overriding)
// the hysteresis-gated AddChunk decision (SUPPLEMENTED FEATURES, grounded on
// adaptive_stream_buffer.py's evaluate_strategies).
func (b *Buffer) EvaluateStrategies() map[Mode]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.analyticsLocked()
	plausible := map[Mode]bool{}
	if a.AvgChunkBytes >= float64(b.cfg.StreamingThresholdBytes) || a.ChunkFrequency > b.cfg.FreqThreshold {
		plausible[ModeStreaming] = true
	}
	if a.ChunkFrequency < b.cfg.FreqThreshold/2 || a.AvgQuality < b.cfg.QualityThreshold/2 {
		plausible[ModeBuffered] = true
	}
	if len(plausible) == 0 {
		plausible[b.currentMode] = true
	}
	return plausible
}

// CurrentMode returns the last decided mode without adding a chunk.
func (b *Buffer) CurrentMode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentMode
}

// Stats is the observability snapshot (SUPPLEMENTED FEATURES: get_buffer_stats/get_performance_report).
type Stats struct {
	CurrentMode Mode
	Analytics   Analytics
	Switches    []SwitchEvent
}

func (b *Buffer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	switches := make([]SwitchEvent, len(b.switches))
	copy(switches, b.switches)
	return Stats{CurrentMode: b.currentMode, Analytics: b.analyticsLocked(), Switches: switches}
}
