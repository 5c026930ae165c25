package hybridstt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vertaler/s2sbroker/internal/fallback"
	"github.com/vertaler/s2sbroker/internal/recognizer"
	"github.com/vertaler/s2sbroker/internal/smartbuffer"
)

type fakeOneShot struct {
	calls   int
	results []recognizer.RecognizeResult
	err     error
}

func (f *fakeOneShot) Recognize(ctx context.Context, cfg recognizer.RecognizeConfig, audio []byte) ([]recognizer.RecognizeResult, error) {
	f.calls++
	return f.results, f.err
}

func pcmChunk(n int, amplitude int16) []byte {
	b := make([]byte, n*2)
	for i := 0; i < n; i++ {
		b[2*i] = byte(amplitude)
		b[2*i+1] = byte(amplitude >> 8)
	}
	return b
}

func smallSmartBufferConfig() Config {
	cfg := DefaultConfig()
	cfg.SmartBuffer = smartbuffer.Config{
		MaxBufferSize:    1500,
		MinDuration:      time.Hour,
		QualityThreshold: 0.99,
		SilenceThreshold: 0.0,
		Timeout:          time.Hour,
	}
	return cfg
}

func TestProcessBufferedAccumulatesUntilMaxSize(t *testing.T) {
	orch := fallback.New(fallback.DefaultConfig())
	oneShot := &fakeOneShot{results: []recognizer.RecognizeResult{{Text: "hallo wereld"}}}
	svc := New("s1", smallSmartBufferConfig(), nil, oneShot, orch, nil)

	// force buffered mode by not using the streaming adapter at all; the
	// orchestrator starts new streams in streaming mode, so push it to
	// buffered first via a processing error.
	orch.HandleProcessingError("s1", errors.New("network error"), fallback.ModeStreaming)

	chunk := pcmChunk(300, 6000) // 600 bytes, mid-range amplitude (quality score ~0.98)
	var last Result
	for i := 0; i < 3; i++ {
		r, err := svc.ProcessAudioChunk(context.Background(), chunk, time.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		last = r
	}

	if !last.Released {
		t.Fatal("expected buffer to release once max size was exceeded")
	}
	if last.ReleaseReason != smartbuffer.ReasonMaxSize {
		t.Errorf("expected maxSize release, got %v", last.ReleaseReason)
	}
	if !last.HasTranscript || last.Transcription != "hallo wereld" {
		t.Errorf("expected transcript from one-shot recognize, got %+v", last)
	}
	if oneShot.calls != 1 {
		t.Errorf("expected exactly 1 one-shot recognize call, got %d", oneShot.calls)
	}
}

func TestProcessBufferedRecordsFailureOnRecognizeError(t *testing.T) {
	orch := fallback.New(fallback.DefaultConfig())
	oneShot := &fakeOneShot{err: errors.New("server unavailable")}
	svc := New("s1", smallSmartBufferConfig(), nil, oneShot, orch, nil)
	orch.HandleProcessingError("s1", errors.New("network error"), fallback.ModeStreaming)

	chunk := pcmChunk(300, 6000)
	var gotErr error
	for i := 0; i < 3; i++ {
		_, err := svc.ProcessAudioChunk(context.Background(), chunk, time.Now())
		if err != nil {
			gotErr = err
		}
	}
	if gotErr == nil {
		t.Fatal("expected an error once the release triggers a failing recognize call")
	}
}

func TestForceFlushReturnsNothingWhenEmpty(t *testing.T) {
	orch := fallback.New(fallback.DefaultConfig())
	oneShot := &fakeOneShot{}
	svc := New("s1", DefaultConfig(), nil, oneShot, orch, nil)

	r, err := svc.ForceFlush(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Released {
		t.Error("expected no release on an empty buffer")
	}
	if oneShot.calls != 0 {
		t.Errorf("expected no recognize call for an empty flush, got %d", oneShot.calls)
	}
}
