// Package recognizer implements the Streaming Recognizer Adapter (spec
// §4.6), the longest-lived component per speaker. Grounded on
// MatchaCake-LiveSub/internal/stt/google.go for the engine call shape
// (config-then-audio-stream request generator, blocking Recv loop) and on
// original_source/backend/streaming_stt.py for the queue/poll/silence-frame
// discipline and the graceful-restart bookkeeping.
//
// The engine itself is treated as an opaque RPC (spec §6.3): StreamEngine
// and OneShotEngine are small local interfaces a concrete
// cloud.google.com/go/speech client satisfies, kept in engine.go.
package recognizer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vertaler/s2sbroker/internal/logging"
)

// TranscriptEvent is spec §3's TranscriptEvent. Only IsFinal=true events
// reach the caller callback (spec §4.6 "Response processing").
type TranscriptEvent struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Config is the session configuration fixed at the boundary (spec §4.6
// "Session config").
type Config struct {
	SampleRateHertz int    // always 16000, per spec §9's resolved open question
	LanguageCode    string // "nl-NL"
	Model           string // "latest_long"
	Enhanced        bool
	InterimResults  bool // true, but interim events are discarded downstream

	QueueCapacity   int           // default 50
	PollDeadline    time.Duration // default ≤200ms
	RestartDeadline time.Duration // default 280s (5min - 20s safety margin)
	DrainDeadline   time.Duration // default 100ms
	StopJoinTimeout time.Duration // default 2s
}

func DefaultConfig() Config {
	return Config{
		SampleRateHertz: 16000,
		LanguageCode:    "nl-NL",
		Model:           "latest_long",
		Enhanced:        true,
		InterimResults:  true,
		QueueCapacity:   50,
		PollDeadline:    200 * time.Millisecond,
		RestartDeadline: 280 * time.Second,
		DrainDeadline:   100 * time.Millisecond,
		StopJoinTimeout: 2 * time.Second,
	}
}

// silenceFrame is one 100ms frame of 16kHz 16-bit mono silence (spec §4.6
// "Request generator").
var silenceFrame = make([]byte, 3200)

// Stats is a dropped-chunk/session counter snapshot for observability (§8 P8,
// §3 "counter incremented").
type Stats struct {
	SessionsStarted int64
	ChunksDropped   int64
	ChunksEnqueued  int64
}

// Adapter is the Streaming Recognizer Adapter for one speaker. I2: at most
// one active session at a time; restart is an atomic swap via sessionGen.
type Adapter struct {
	engine  StreamEngine
	cfg     Config
	logger  logging.Logger
	onFinal func(TranscriptEvent)

	queue chan queuedChunk

	mu           sync.Mutex
	sessionGen   uint64
	genCancel    context.CancelFunc
	started      bool
	stopOnce     sync.Once
	stopCh       chan struct{}
	wg           sync.WaitGroup
	sessionStart time.Time
	restarting   atomic.Bool

	stats Stats
}

type queuedChunk struct {
	bytes   []byte
	arrival time.Time
}

// New constructs an Adapter. onFinal is invoked only for isFinal=true events,
// from the adapter's single response-processing goroutine, so callback
// invocations are ordered per speaker (spec §5 "per-speaker ordering").
func New(engine StreamEngine, cfg Config, logger logging.Logger, onFinal func(TranscriptEvent)) *Adapter {
	if cfg.QueueCapacity <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Adapter{
		engine:  engine,
		cfg:     cfg,
		logger:  logger,
		onFinal: onFinal,
		queue:   make(chan queuedChunk, cfg.QueueCapacity),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the first session and the restart-watch loop. Safe to call
// once; subsequent calls are no-ops.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.runGeneration(ctx, 0)

	a.wg.Add(1)
	go a.restartWatch(ctx)

	return nil
}

// SendChunk enqueues audio non-blockingly. On overflow, up to 3 oldest
// chunks are dropped and the enqueue retried once; if still full, the chunk
// itself is dropped and a counter incremented (spec §4.6).
func (a *Adapter) SendChunk(b []byte) {
	chunk := queuedChunk{bytes: b, arrival: time.Now()}
	select {
	case a.queue <- chunk:
		atomic.AddInt64(&a.stats.ChunksEnqueued, 1)
		return
	default:
	}

	for i := 0; i < 3; i++ {
		select {
		case <-a.queue:
		default:
		}
	}

	select {
	case a.queue <- chunk:
		atomic.AddInt64(&a.stats.ChunksEnqueued, 1)
	default:
		atomic.AddInt64(&a.stats.ChunksDropped, 1)
		a.logger.Warn("recognizer: queue still full after dropping oldest chunks, dropping new chunk")
	}
}

// restartWatch schedules the 4:40 graceful restart (spec §4.6, I7).
func (a *Adapter) restartWatch(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.mu.Lock()
			elapsed := time.Since(a.sessionStart)
			needsRestart := !a.sessionStart.IsZero() && elapsed >= a.cfg.RestartDeadline
			a.mu.Unlock()
			if needsRestart && a.restarting.CompareAndSwap(false, true) {
				a.doRestart(ctx)
			}
		}
	}
}

// doRestart performs the atomic session swap described in spec §4.6:
// capture callbacks (already held as a.onFinal), signal stop to the current
// generation, wait briefly for it to drain, then start a new generation.
// The queue is shared across generations, so audio in flight survives.
func (a *Adapter) doRestart(ctx context.Context) {
	defer a.restarting.Store(false)

	a.mu.Lock()
	prevGen := a.sessionGen
	a.sessionGen++
	newGen := a.sessionGen
	prevCancel := a.genCancel
	a.mu.Unlock()

	a.logger.Info("recognizer: restarting session", "from_gen", prevGen, "to_gen", newGen)

	// Step 2: signal stop to the current session so its receive goroutine
	// unblocks from Recv instead of lingering until the engine closes the
	// stream on its own.
	if prevCancel != nil {
		prevCancel()
	}

	select {
	case <-time.After(a.cfg.DrainDeadline):
	case <-ctx.Done():
		return
	}

	a.wg.Add(1)
	go a.runGeneration(ctx, newGen)
}

// runGeneration drives one session's lifetime: dial, feed via the request
// generator, process responses, until the generation is superseded or the
// adapter stops.
func (a *Adapter) runGeneration(ctx context.Context, gen uint64) {
	defer a.wg.Done()

	a.mu.Lock()
	a.sessionStart = time.Now()
	a.mu.Unlock()
	atomic.AddInt64(&a.stats.SessionsStarted, 1)

	sessCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.genCancel = cancel
	a.mu.Unlock()
	defer cancel()

	session, err := a.engine.NewSession(sessCtx, StreamConfig{
		SampleRateHertz: a.cfg.SampleRateHertz,
		LanguageCode:    a.cfg.LanguageCode,
		Model:           a.cfg.Model,
		Enhanced:        a.cfg.Enhanced,
		InterimResults:  a.cfg.InterimResults,
	})
	if err != nil {
		a.logger.Error("recognizer: failed to start session", "err", err)
		return
	}
	defer session.CloseSend()

	var wg sync.WaitGroup
	wg.Add(2)
	go a.feed(sessCtx, gen, session, &wg)
	go a.receive(sessCtx, gen, session, &wg)
	wg.Wait()
}

// isSuperseded reports whether gen is no longer the active generation.
func (a *Adapter) isSuperseded(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return gen != a.sessionGen
}

// feed is the request generator (spec §4.6): pulls from the queue with a
// bounded poll deadline, injecting silence to keep the engine's session
// alive if nothing arrives in time.
func (a *Adapter) feed(ctx context.Context, gen uint64, session StreamSession, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		if a.isSuperseded(gen) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case chunk := <-a.queue:
			if err := session.SendAudio(ctx, chunk.bytes); err != nil {
				a.logger.Error("recognizer: send audio failed", "err", err)
				return
			}
		case <-time.After(a.cfg.PollDeadline):
			if err := session.SendAudio(ctx, silenceFrame); err != nil {
				a.logger.Error("recognizer: send silence keepalive failed", "err", err)
				return
			}
		}
	}
}

// receive processes the engine's event stream, forwarding only finals to
// onFinal (spec §4.6 "Response processing"). This goroutine is the "single,
// well-known execution context" spec §9 requires for callback ordering.
func (a *Adapter) receive(ctx context.Context, gen uint64, session StreamSession, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		ev, err := session.Recv(ctx)
		if err != nil {
			if !a.isSuperseded(gen) {
				a.logger.Error("recognizer: recv failed", "err", err)
			}
			return
		}
		if a.isSuperseded(gen) {
			return
		}
		if !ev.IsFinal {
			a.logger.Debug("recognizer: interim transcript discarded", "text", ev.Text)
			continue
		}
		if a.onFinal != nil {
			a.onFinal(TranscriptEvent{Text: ev.Text, IsFinal: true, Confidence: ev.Confidence})
		}
	}
}

// Stop is idempotent: drains the queue, signals the generator, and joins the
// worker with a 2s deadline (spec §4.6 "Stop").
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	drain:
		for {
			select {
			case <-a.queue:
			default:
				break drain
			}
		}
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(a.cfg.StopJoinTimeout):
			a.logger.Warn("recognizer: stop join timed out")
		}
	})
}

// GetStats returns a snapshot for observability.
func (a *Adapter) GetStats() Stats {
	return Stats{
		SessionsStarted: atomic.LoadInt64(&a.stats.SessionsStarted),
		ChunksDropped:   atomic.LoadInt64(&a.stats.ChunksDropped),
		ChunksEnqueued:  atomic.LoadInt64(&a.stats.ChunksEnqueued),
	}
}
