// Package session implements the Session Controller (spec §4.11): one
// instance wires a speaker stream's Hybrid STT Service output through the
// Translate→Synthesize Pipeline and broadcasts the result to the stream's
// listeners, falling back to a canned audio payload on pipeline failure
// (I5: exactly one broadcast per final transcript).
//
// Generalized from the teacher's pkg/orchestrator/managed_stream.go
// (ManagedStream): the same per-stream cancel/idempotent-Close shape,
// simplified because this domain has no VAD/echo/barge-in state machine to
// carry — a speaker stream here is just audio-in, translated-audio-out. The
// Controller keeps no generation counter of its own; stale recognizer
// callbacks are filtered by the recognizer adapter's session generation.
package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vertaler/s2sbroker/internal/connmanager"
	"github.com/vertaler/s2sbroker/internal/fallback"
	"github.com/vertaler/s2sbroker/internal/hybridstt"
	"github.com/vertaler/s2sbroker/internal/logging"
	"github.com/vertaler/s2sbroker/internal/pipeline"
	"github.com/vertaler/s2sbroker/internal/recognizer"
)

// Controller is the Session Controller for one speaker stream.
type Controller struct {
	streamID string
	logger   logging.Logger

	recognizerAdapter *recognizer.Adapter
	hybrid            *hybridstt.Service
	pipeline          *pipeline.Pipeline
	connMgr           *connmanager.Manager
	fallbackAudio     []byte

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// New constructs a Controller. engine backs the streaming recognizer
// session; oneShot backs the buffered-mode fallback recognize call
// (spec §4.9 step 5). The recognizer adapter's onFinal callback is wired to
// this controller before Start is called, so every final transcript —
// whether produced by the streaming session or a buffered release — flows
// through exactly one broadcast path (spec §9: cyclic references as
// functional capture, not back-pointers).
func New(
	ctx context.Context,
	streamID string,
	adapterCfg recognizer.Config,
	engine recognizer.StreamEngine,
	oneShot recognizer.OneShotEngine,
	hybridCfg hybridstt.Config,
	fallbackOrch *fallback.Orchestrator,
	pl *pipeline.Pipeline,
	connMgr *connmanager.Manager,
	fallbackAudio []byte,
	logger logging.Logger,
) *Controller {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		streamID:      streamID,
		logger:        logger,
		pipeline:      pl,
		connMgr:       connMgr,
		fallbackAudio: fallbackAudio,
		ctx:           cctx,
		cancel:        cancel,
	}
	c.recognizerAdapter = recognizer.New(engine, adapterCfg, logger, c.handleFinal)
	c.hybrid = hybridstt.New(streamID, hybridCfg, c.recognizerAdapter, oneShot, fallbackOrch, logger)
	return c
}

// Start begins the streaming recognizer session (the streaming leg starts
// eagerly; buffered-mode recognize calls happen lazily as chunks arrive).
func (c *Controller) Start() error {
	return c.recognizerAdapter.Start(c.ctx)
}

// SendAudio routes one inbound audio chunk through the Hybrid STT Service
// (spec §4.9). Streaming-mode results arrive later via handleFinal;
// buffered-mode releases produce a transcript synchronously here, so it is
// forwarded to the same pipeline/broadcast path immediately.
func (c *Controller) SendAudio(chunk []byte) {
	result, err := c.hybrid.ProcessAudioChunk(c.ctx, chunk, time.Now())
	if err != nil {
		c.logger.Warn("session: hybrid stt processing error", "stream", c.streamID, "err", err)
		return
	}
	if result.HasTranscript {
		c.handleFinal(recognizer.TranscriptEvent{Text: result.Transcription, IsFinal: true})
	}
}

// handleFinal runs either on the recognizer adapter's single
// response-processing goroutine (streaming mode, spec §5 "per-speaker
// ordering") or synchronously from SendAudio (buffered mode); either way it
// is the single path every final transcript for this stream takes, so
// broadcasts stay ordered and I5 ("exactly one broadcast per final") holds.
func (c *Controller) handleFinal(ev recognizer.TranscriptEvent) {
	if ev.Text == "" {
		return
	}

	audio, err := c.pipeline.Run(c.ctx, ev.Text)
	if err != nil {
		c.logger.Warn("session: pipeline failed, broadcasting fallback audio", "stream", c.streamID, "err", err)
		c.connMgr.BroadcastToStream(c.ctx, c.streamID, c.fallbackAudio)
		return
	}

	// Transcript text is observability-only (spec §6.2: listeners receive
	// audio frames and keepalive pings, nothing else).
	c.logger.Debug("session: final transcript", "stream", c.streamID, "text", ev.Text, "confidence", ev.Confidence)
	c.connMgr.BroadcastToStream(c.ctx, c.streamID, audio)
}

// Close tears down the recognizer adapter and flushes any pending buffered
// audio, broadcasting its transcript if one results. Idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer flushCancel()

		if result, err := c.hybrid.ForceFlush(flushCtx); err == nil && result.HasTranscript {
			c.handleFinal(recognizer.TranscriptEvent{Text: result.Transcription, IsFinal: true})
		}

		var g errgroup.Group
		g.Go(func() error {
			c.recognizerAdapter.Stop()
			return nil
		})
		_ = g.Wait()

		c.cancel()
	})
}
