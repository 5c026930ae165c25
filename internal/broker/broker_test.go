package broker

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vertaler/s2sbroker/internal/config"
	"github.com/vertaler/s2sbroker/internal/recognizer"
	"github.com/vertaler/s2sbroker/internal/transport"
)

type fakeSession struct {
	mu     sync.Mutex
	events chan recognizer.EngineEvent
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan recognizer.EngineEvent, 16)}
}

func (s *fakeSession) SendAudio(ctx context.Context, chunk []byte) error { return nil }

func (s *fakeSession) Recv(ctx context.Context) (recognizer.EngineEvent, error) {
	ev, ok := <-s.events
	if !ok {
		return recognizer.EngineEvent{}, io.EOF
	}
	return ev, nil
}

func (s *fakeSession) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

type fakeEngine struct{ session *fakeSession }

func (e *fakeEngine) NewSession(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.StreamSession, error) {
	return e.session, nil
}

type fakeOneShot struct{}

func (fakeOneShot) Recognize(ctx context.Context, cfg recognizer.RecognizeConfig, audio []byte) ([]recognizer.RecognizeResult, error) {
	return nil, nil
}

type stubTranslator struct{ out string }

func (s *stubTranslator) Translate(ctx context.Context, text, src, tgt string) (string, error) {
	return s.out, nil
}

type stubSynth struct{ out []byte }

func (s *stubSynth) Synthesize(ctx context.Context, text, lang, voice, format string) ([]byte, error) {
	return s.out, nil
}

func testBroker(t *testing.T, engine recognizer.StreamEngine) *Broker {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.APIRetryAttempts = 1
	cfg.Pipeline.APIRetryBase = time.Millisecond
	engines := Engines{
		Recognizer: engine,
		OneShot:    fakeOneShot{},
		Translator: &stubTranslator{out: "hello world"},
		Synth:      &stubSynth{out: []byte("AUDIO")},
	}
	return New(context.Background(), cfg, nil, nil, engines)
}

func TestGetOrCreateStreamReturnsSameControllerOnRepeatedCalls(t *testing.T) {
	b := testBroker(t, &fakeEngine{session: newFakeSession()})
	defer b.RemoveStream("s1")

	ctrl1, err := b.GetOrCreateStream(context.Background(), "s1")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	ctrl2, err := b.GetOrCreateStream(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if ctrl1 != ctrl2 {
		t.Error("expected the same controller on repeated GetOrCreateStream calls")
	}
}

func TestRemoveStreamForgetsController(t *testing.T) {
	b := testBroker(t, &fakeEngine{session: newFakeSession()})
	if _, err := b.GetOrCreateStream(context.Background(), "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	b.RemoveStream("s1")

	b.mu.Lock()
	_, ok := b.streams["s1"]
	b.mu.Unlock()
	if ok {
		t.Error("expected stream entry removed")
	}
}

func TestSpeakerToListenerEndToEnd(t *testing.T) {
	b := testBroker(t, &fakeEngine{session: newFakeSession()})
	defer b.Shutdown(context.Background())

	srv := httptest.NewServer(b.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	listenerCtx, listenerCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer listenerCancel()
	listener, err := transport.Dial(listenerCtx, wsURL+"/listener/stream-1")
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer listener.Close()

	speakerCtx, speakerCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer speakerCancel()
	speaker, err := transport.Dial(speakerCtx, wsURL+"/speaker/stream-1")
	if err != nil {
		t.Fatalf("dial speaker: %v", err)
	}
	defer speaker.Close()

	b.mu.Lock()
	ctrl, ok := b.streams["stream-1"]
	b.mu.Unlock()
	if !ok {
		t.Fatal("expected speaker connect to register a stream controller")
	}

	fe, _ := b.engines.Recognizer.(*fakeEngine)
	_ = ctrl
	fe.session.events <- recognizer.EngineEvent{Text: "hallo wereld", IsFinal: true, Confidence: 0.9}

	readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readCancel()
	audio, err := listener.ReadBinary(readCtx)
	if err != nil {
		t.Fatalf("read broadcast audio: %v", err)
	}
	if string(audio) != "AUDIO" {
		t.Errorf("unexpected audio: %s", audio)
	}
}

func TestShutdownClosesAllStreamsWithinDeadline(t *testing.T) {
	b := testBroker(t, &fakeEngine{session: newFakeSession()})
	for _, id := range []string{"a", "b", "c"} {
		if _, err := b.GetOrCreateStream(context.Background(), id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("shutdown: %v", err)
	}

	b.mu.Lock()
	n := len(b.streams)
	b.mu.Unlock()
	if n != 0 {
		t.Errorf("expected all streams removed, got %d remaining", n)
	}
}
