// Package broker is the top-level wiring type named in SPEC_FULL.md's
// PACKAGE LAYOUT: one process-wide breaker, cache, fallback orchestrator and
// connection manager shared across every speaker stream, with a
// session.Controller created lazily per streamId and torn down on
// disconnect. It also serves the speaker and listener websocket endpoints
// (spec §6.1, §6.2).
//
// Generalized from the teacher's pkg/orchestrator.Orchestrator: that type
// wires one STT/LLM/TTS provider set into a single ManagedStream per
// process; Broker wires one recognizer/translate/synthesize engine set into
// many concurrent session.Controllers, keyed by stream ID, the same way
// lookatitude-beluga-ai's pkg/server/providers/rest/server.go routes
// path-parameterized per-resource streams through a shared gorilla/mux
// router.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/vertaler/s2sbroker/internal/breaker"
	"github.com/vertaler/s2sbroker/internal/config"
	"github.com/vertaler/s2sbroker/internal/connmanager"
	"github.com/vertaler/s2sbroker/internal/fallback"
	"github.com/vertaler/s2sbroker/internal/hybridstt"
	"github.com/vertaler/s2sbroker/internal/logging"
	"github.com/vertaler/s2sbroker/internal/observe"
	"github.com/vertaler/s2sbroker/internal/pipeline"
	"github.com/vertaler/s2sbroker/internal/recognizer"
	"github.com/vertaler/s2sbroker/internal/retry"
	"github.com/vertaler/s2sbroker/internal/session"
	"github.com/vertaler/s2sbroker/internal/synthesizesvc"
	"github.com/vertaler/s2sbroker/internal/transport"
	"github.com/vertaler/s2sbroker/internal/translatesvc"
)

// Engines bundles the outbound engine clients the broker wires into every
// stream's Session Controller (spec §6.3: "external engines are opaque
// RPCs").
type Engines struct {
	Recognizer recognizer.StreamEngine
	OneShot    recognizer.OneShotEngine
	Translator translatesvc.Translator
	Synth      synthesizesvc.Synthesizer
}

// Broker is the shared, process-wide state plus the live set of per-speaker
// sessions.
type Broker struct {
	cfg     config.Config
	logger  logging.Logger
	metrics *observe.Metrics
	engines Engines

	sharedBreaker *breaker.Breaker
	cache         *pipeline.Cache
	fallbackOrch  *fallback.Orchestrator
	connMgr       *connmanager.Manager

	mu      sync.Mutex
	streams map[string]*session.Controller
}

// New constructs a Broker and starts the connection manager's keepalive
// ticker for the lifetime of ctx.
func New(ctx context.Context, cfg config.Config, logger logging.Logger, metrics *observe.Metrics, engines Engines) *Broker {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	br := breaker.New("s2sbroker", breaker.Config{FailMax: cfg.Breaker.FailMax, ResetTimeout: cfg.Breaker.ResetTimeout})
	if metrics != nil {
		br.AddListener(&breakerMetricsListener{metrics: metrics})
	}

	connMgr := connmanager.New(connmanager.Config{PingInterval: cfg.ConnMgr.PingInterval, PongTimeout: cfg.ConnMgr.PongTimeout}, logger)
	connMgr.StartKeepalive(ctx)

	return &Broker{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		engines: engines,

		sharedBreaker: br,
		cache:         pipeline.NewCache(10_000),
		fallbackOrch: fallback.New(fallback.Config{
			FailureThreshold:    cfg.Fallback.FailureThreshold,
			RecoveryInterval:    cfg.Fallback.RecoveryInterval,
			MaxRecoveryAttempts: cfg.Fallback.MaxRecoveryAttempts,
			QualityThreshold:    cfg.Streaming.QualityThreshold,
		}),
		connMgr: connMgr,
		streams: make(map[string]*session.Controller),
	}
}

// breakerMetricsListener feeds breaker.Breaker state transitions into
// internal/observe (spec I4: "mode switches are logged as distinct events,
// never silent").
type breakerMetricsListener struct {
	metrics *observe.Metrics
}

func (l *breakerMetricsListener) StateChange(name string, from, to breaker.State) {
	l.metrics.RecordBreakerTransition(context.Background(), string(to))
}
func (l *breakerMetricsListener) Failure(name string, err error) {}
func (l *breakerMetricsListener) Success(name string)            {}

// pipelineConfig builds a pipeline.Config from process configuration (spec
// §6.4), shared by every stream's Pipeline instance.
func (b *Broker) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		SourceLang:        b.cfg.Translate.SourceLang,
		TargetLang:        b.cfg.Translate.TargetLang,
		TranslateTimeout:  b.cfg.Translate.Timeout,
		TTSLanguageCode:   b.cfg.TTS.LanguageCode,
		TTSVoiceName:      b.cfg.TTS.VoiceName,
		TTSAudioFormat:    b.cfg.TTS.AudioFormat,
		SynthesizeTimeout: b.cfg.TTS.Timeout,
		PipelineTimeout:   b.cfg.Pipeline.PipelineTimeout,
		Retry: retry.Config{
			MaxAttempts: b.cfg.Pipeline.APIRetryAttempts,
			BaseDelay:   b.cfg.Pipeline.APIRetryBase,
			MaxDelay:    2 * time.Second,
		},
	}
}

// hybridSTTConfig builds a hybridstt.Config from process configuration,
// layered on top of hybridstt.DefaultConfig() so an unset field still has a
// sane default (spec §6.4's option set does not name every sub-component
// tunable).
func (b *Broker) hybridSTTConfig() hybridstt.Config {
	cfg := hybridstt.DefaultConfig()
	cfg.AdaptiveBuffer.StreamingThresholdBytes = b.cfg.Streaming.StreamingThresholdBytes
	cfg.AdaptiveBuffer.FreqThreshold = b.cfg.Streaming.FreqThreshold
	cfg.AdaptiveBuffer.QualityThreshold = b.cfg.Streaming.QualityThreshold
	cfg.SmartBuffer.Timeout = b.cfg.Streaming.BufferedTimeoutSeconds
	cfg.Quality.MeasurementWindow = b.cfg.Monitor.MeasurementWindow
	cfg.Quality.QualityThreshold = b.cfg.Streaming.QualityThreshold
	cfg.RecognizeConfig = recognizer.RecognizeConfig{
		SampleRateHertz: b.cfg.STT.SampleRate,
		LanguageCode:    b.cfg.STT.LanguageCode,
	}
	return cfg
}

// GetOrCreateStream returns the session.Controller for streamID, creating
// and starting one on first use (spec §4.11 "one per speaker").
func (b *Broker) GetOrCreateStream(ctx context.Context, streamID string) (*session.Controller, error) {
	b.mu.Lock()
	if ctrl, ok := b.streams[streamID]; ok {
		b.mu.Unlock()
		return ctrl, nil
	}
	b.mu.Unlock()

	pl := pipeline.New(b.pipelineConfig(), b.engines.Translator, b.engines.Synth, b.sharedBreaker, b.cache)

	adapterCfg := recognizer.DefaultConfig()
	adapterCfg.SampleRateHertz = b.cfg.STT.SampleRate
	adapterCfg.LanguageCode = b.cfg.STT.LanguageCode

	ctrl := session.New(ctx, streamID, adapterCfg, b.engines.Recognizer, b.engines.OneShot,
		b.hybridSTTConfig(), b.fallbackOrch, pl, b.connMgr, b.cfg.Fallback.FallbackAudio, b.logger)

	b.mu.Lock()
	if existing, ok := b.streams[streamID]; ok {
		b.mu.Unlock()
		ctrl.Close()
		return existing, nil
	}
	b.streams[streamID] = ctrl
	b.mu.Unlock()

	if err := ctrl.Start(); err != nil {
		b.RemoveStream(streamID)
		return nil, fmt.Errorf("broker: start session %s: %w", streamID, err)
	}
	if b.metrics != nil {
		b.metrics.ActiveStreams.Add(ctx, 1)
	}
	return ctrl, nil
}

// RemoveStream closes and forgets a stream's Session Controller (speaker
// disconnect, spec §5 "cancellation").
func (b *Broker) RemoveStream(streamID string) {
	b.mu.Lock()
	ctrl, ok := b.streams[streamID]
	if ok {
		delete(b.streams, streamID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	ctrl.Close()
	if b.metrics != nil {
		b.metrics.ActiveStreams.Add(context.Background(), -1)
	}
}

// Router builds the HTTP handler serving both websocket endpoints (spec
// §6.1, §6.2), path-parameterized with streamId the way
// lookatitude-beluga-ai's REST provider routes "/{resource}/{id}/stream".
func (b *Broker) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/speaker/{streamId}", b.handleSpeaker).Methods(http.MethodGet)
	r.HandleFunc("/listener/{streamId}", b.handleListener).Methods(http.MethodGet)
	return r
}

// handleSpeaker accepts one speaker socket (spec §6.1): binary audio frames
// feed the stream's Hybrid STT Service; keepalive-pong text frames are
// accepted but otherwise ignored (the speaker channel carries no server-sent
// audio in normal operation).
func (b *Broker) handleSpeaker(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["streamId"]
	conn, err := transport.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("broker: speaker accept failed", "stream", streamID, "err", err)
		return
	}
	defer conn.Close()

	ctrl, err := b.GetOrCreateStream(r.Context(), streamID)
	if err != nil {
		b.logger.Error("broker: failed to create stream", "stream", streamID, "err", err)
		return
	}
	defer b.RemoveStream(streamID)

	for {
		audio, _, isBinary, err := conn.ReadFrame(r.Context())
		if err != nil {
			return
		}
		if isBinary {
			ctrl.SendAudio(audio)
		}
		// Non-binary frames on the speaker socket are keepalive pongs (spec
		// §6.1): "unknown payloads are ignored, no error frame returned".
	}
}

// handleListener accepts one listener socket (spec §6.2): registers it with
// the connection manager for broadcast, and reads keepalive pongs until
// disconnect.
func (b *Broker) handleListener(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["streamId"]
	conn, err := transport.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("broker: listener accept failed", "stream", streamID, "err", err)
		return
	}

	listenerID := b.connMgr.AddListener(streamID, conn)
	if b.metrics != nil {
		b.metrics.ActiveListeners.Add(r.Context(), 1)
	}
	defer func() {
		b.connMgr.RemoveListener(streamID, listenerID)
		if b.metrics != nil {
			b.metrics.ActiveListeners.Add(context.Background(), -1)
		}
		conn.Close()
	}()

	for {
		msg, err := conn.ReadControl(r.Context())
		if err != nil {
			return
		}
		if msg.Type == transport.MessageTypeKeepalive && msg.Action == transport.ActionPong {
			b.connMgr.HandlePong(streamID, listenerID)
		}
	}
}

// Shutdown tears down every active stream within a bounded deadline (spec §5
// "process shutdown cancels all sessions and drains with a bounded deadline
// (≤5s)"), using an errgroup the same way the teacher's ManagedStream.Close
// bounds its own internal fan-in/fan-out.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.streams))
	for id := range b.streams {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			b.RemoveStream(id)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		b.connMgr.Stop()
		return err
	case <-ctx.Done():
		b.connMgr.Stop()
		return ctx.Err()
	}
}
