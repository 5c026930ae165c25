// Package hybridstt implements the Hybrid STT Service (spec §4.9), grounded
// directly on original_source/backend/hybrid_stt_service.py's
// process_audio_chunk routing: feed the adaptive buffer, consult the
// fallback orchestrator, then either forward the chunk to the streaming
// recognizer or accumulate it in the smart buffer and recognize once a
// release condition fires.
package hybridstt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vertaler/s2sbroker/internal/adaptivebuffer"
	"github.com/vertaler/s2sbroker/internal/audioformat"
	"github.com/vertaler/s2sbroker/internal/fallback"
	"github.com/vertaler/s2sbroker/internal/logging"
	"github.com/vertaler/s2sbroker/internal/quality"
	"github.com/vertaler/s2sbroker/internal/recognizer"
	"github.com/vertaler/s2sbroker/internal/smartbuffer"
)

// Suitability thresholds passed to quality.Monitor.IsSuitableForStreaming,
// grounded in the same boundaries quality.go's own scoring tiers use (spec
// §4.3): 1000ms is the "poor" latency tier boundary, 0.5 success rate is
// determineLevel's critical-level boundary.
const (
	suitableMaxLatencyMs   = 1000
	suitableMinSuccessRate = 0.5
)

// BufferMode is the mode a chunk was actually processed under, returned in
// ProcessingResult (distinct from the per-stream recommended mode, since a
// streaming send failure degrades a single chunk to buffered inline).
type BufferMode string

const (
	BufferModeStreaming BufferMode = "streaming"
	BufferModeBuffered  BufferMode = "buffered"
)

// Result is the outcome of one processAudioChunk call (spec §4.9).
type Result struct {
	Transcription string // empty unless a buffered release produced one
	HasTranscript bool
	ModeUsed      BufferMode
	ProcessingMs  float64
	ReleaseReason smartbuffer.ReleaseReason
	Released      bool
}

// Config bundles the sub-component configs a Service wires together.
type Config struct {
	AdaptiveBuffer adaptivebuffer.Config
	SmartBuffer    smartbuffer.Config
	Quality        quality.Config
	RecognizeConfig recognizer.RecognizeConfig
}

func DefaultConfig() Config {
	return Config{
		AdaptiveBuffer: adaptivebuffer.DefaultConfig(),
		SmartBuffer:    smartbuffer.DefaultConfig(),
		Quality:        quality.DefaultConfig(),
		RecognizeConfig: recognizer.RecognizeConfig{
			SampleRateHertz: 16000,
			LanguageCode:    "nl-NL",
		},
	}
}

// Service is one speaker stream's hybrid routing state (spec §4.9). A
// broker constructs one per active stream and tears it down on disconnect.
type Service struct {
	streamID string
	cfg      Config
	logger   logging.Logger

	streamAdapter *recognizer.Adapter
	oneShot       recognizer.OneShotEngine
	fallbackOrch  *fallback.Orchestrator

	mu          sync.Mutex
	adaptiveBuf *adaptivebuffer.Buffer
	smartBuf    *smartbuffer.Buffer
	qualityMon  *quality.Monitor
}

// New constructs a Service for one stream. streamAdapter should be built with
// an onFinal callback wired to the translate→synthesize pipeline (spec §4.11
// "Session Controller wiring"); the Service never starts it. The caller starts
// it (session.Controller.Start does so after New), and chunks sent before
// that wait in the adapter's bounded queue.
func New(streamID string, cfg Config, streamAdapter *recognizer.Adapter, oneShot recognizer.OneShotEngine, fallbackOrch *fallback.Orchestrator, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Service{
		streamID:      streamID,
		cfg:           cfg,
		logger:        logger,
		streamAdapter: streamAdapter,
		oneShot:       oneShot,
		fallbackOrch:  fallbackOrch,
		adaptiveBuf:   adaptivebuffer.New(cfg.AdaptiveBuffer),
		smartBuf:      smartbuffer.New(cfg.SmartBuffer),
		qualityMon:    quality.New(cfg.Quality),
	}
}

// ProcessAudioChunk routes one inbound audio chunk per spec §4.9's 7 steps:
//  1. score chunk quality and feed the adaptive buffer
//  2. read current connection quality
//  3. ask the fallback orchestrator for the governing mode
//  4. if streaming: forward to the recognizer adapter (async; results arrive
//     later via the adapter's onFinal callback)
//  5. if buffered: accumulate in the smart buffer; on release, run a
//     one-shot recognize and record the outcome
//  6. record success/failure with the fallback orchestrator
//  7. return a ProcessingResult describing what happened to this chunk
func (s *Service) ProcessAudioChunk(ctx context.Context, chunk []byte, arrival time.Time) (Result, error) {
	pcm, _, err := audioformat.ToPCM(chunk)
	if err != nil {
		return Result{}, fmt.Errorf("hybridstt: decode chunk: %w", err)
	}
	qscore := audioformat.QualityScore(pcm)

	s.mu.Lock()
	recommended := s.adaptiveBuf.AddChunk(len(pcm), qscore, arrival)
	connMetrics := s.qualityMon.CurrentMetrics()
	suitable := true
	if s.qualityMon.GetStats().HistorySize > 0 {
		// Only consult suitability once there is a real timing history;
		// otherwise a cold monitor would always read as unsuitable and
		// unfairly buffer every stream's opening chunk.
		s.qualityMon.CalculateQualityScore()
		suitable = s.qualityMon.IsSuitableForStreaming(s.cfg.Quality.QualityThreshold, suitableMaxLatencyMs, suitableMinSuccessRate)
	}
	s.mu.Unlock()

	// A recommendation to stream is only honored if the monitor's own
	// suitability gate clears (spec §4.3 isSuitableForStreaming); otherwise
	// this chunk is treated as favoring buffered regardless of what the
	// adaptive buffer's vote alone would have picked.
	if !suitable && recommended == adaptivebuffer.ModeStreaming {
		recommended = adaptivebuffer.ModeBuffered
	}

	mode := s.fallbackOrch.DecideMode(s.streamID, connMetrics, recommended)

	if mode == fallback.ModeStreaming {
		result, streamErr := s.processStreaming(pcm)
		if streamErr == nil {
			return result, nil
		}
		s.logger.Warn("hybridstt: streaming send failed, degrading this chunk to buffered", "stream", s.streamID, "err", streamErr)
		s.fallbackOrch.HandleProcessingError(s.streamID, streamErr, fallback.ModeStreaming)
	}

	return s.processBuffered(ctx, pcm, qscore, arrival)
}

func (s *Service) processStreaming(pcm []byte) (Result, error) {
	if s.streamAdapter == nil {
		return Result{}, fmt.Errorf("hybridstt: no streaming adapter configured")
	}
	s.streamAdapter.SendChunk(pcm)
	return Result{ModeUsed: BufferModeStreaming}, nil
}

func (s *Service) processBuffered(ctx context.Context, pcm []byte, qscore float64, arrival time.Time) (Result, error) {
	s.mu.Lock()
	combined, metrics, released := s.smartBuf.AddChunk(smartbuffer.Chunk{Bytes: pcm, QualityScore: qscore, Arrival: arrival})
	s.mu.Unlock()

	if !released {
		return Result{ModeUsed: BufferModeBuffered}, nil
	}

	start := time.Now()
	results, err := s.oneShot.Recognize(ctx, s.cfg.RecognizeConfig, combined)
	end := time.Now()

	s.qualityMon.RecordTiming(start, end, err == nil)

	if err != nil {
		s.fallbackOrch.HandleProcessingError(s.streamID, err, fallback.ModeBuffered)
		return Result{
			ModeUsed:      BufferModeBuffered,
			ProcessingMs:  float64(end.Sub(start).Milliseconds()),
			ReleaseReason: metrics.ReleaseReason,
			Released:      true,
		}, fmt.Errorf("hybridstt: buffered recognize: %w", err)
	}

	s.fallbackOrch.RecordSuccess(s.streamID, float64(end.Sub(start).Milliseconds()))

	var text string
	if len(results) > 0 {
		text = results[0].Text
	}

	return Result{
		Transcription: text,
		HasTranscript: text != "",
		ModeUsed:      BufferModeBuffered,
		ProcessingMs:  float64(end.Sub(start).Milliseconds()),
		ReleaseReason: metrics.ReleaseReason,
		Released:      true,
	}, nil
}

// ForceFlush releases any pending buffered audio immediately (e.g. on
// stream close) and recognizes it if non-empty.
func (s *Service) ForceFlush(ctx context.Context) (Result, error) {
	s.mu.Lock()
	combined, metrics, released := s.smartBuf.ForceFlush()
	s.mu.Unlock()
	if !released {
		return Result{}, nil
	}

	start := time.Now()
	results, err := s.oneShot.Recognize(ctx, s.cfg.RecognizeConfig, combined)
	end := time.Now()
	s.qualityMon.RecordTiming(start, end, err == nil)
	if err != nil {
		return Result{ModeUsed: BufferModeBuffered, ReleaseReason: metrics.ReleaseReason, Released: true}, fmt.Errorf("hybridstt: force flush recognize: %w", err)
	}

	var text string
	if len(results) > 0 {
		text = results[0].Text
	}
	return Result{
		Transcription: text,
		HasTranscript: text != "",
		ModeUsed:      BufferModeBuffered,
		ProcessingMs:  float64(end.Sub(start).Milliseconds()),
		ReleaseReason: metrics.ReleaseReason,
		Released:      true,
	}, nil
}

// CurrentMode reports the fallback orchestrator's governing mode for this
// stream without processing a chunk.
func (s *Service) CurrentMode() fallback.Mode {
	connMetrics := s.qualityMon.CurrentMetrics()
	return s.fallbackOrch.DecideMode(s.streamID, connMetrics, s.adaptiveBuf.CurrentMode())
}

// Close stops the streaming recognizer adapter backing this service, if any.
func (s *Service) Close() {
	if s.streamAdapter != nil {
		s.streamAdapter.Stop()
	}
}
