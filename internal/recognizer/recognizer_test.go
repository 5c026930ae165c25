package recognizer

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

type fakeSession struct {
	mu     sync.Mutex
	events chan EngineEvent
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan EngineEvent, 16)}
}

func (s *fakeSession) SendAudio(ctx context.Context, chunk []byte) error { return nil }

func (s *fakeSession) Recv(ctx context.Context) (EngineEvent, error) {
	ev, ok := <-s.events
	if !ok {
		return EngineEvent{}, io.EOF
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

type fakeEngine struct {
	session *fakeSession
}

func (e *fakeEngine) NewSession(ctx context.Context, cfg StreamConfig) (StreamSession, error) {
	return e.session, nil
}

func TestAdapterForwardsOnlyFinals(t *testing.T) {
	sess := newFakeSession()
	engine := &fakeEngine{session: sess}

	var mu sync.Mutex
	var received []TranscriptEvent

	cfg := DefaultConfig()
	cfg.RestartDeadline = time.Hour // don't restart during the test

	adapter := New(engine, cfg, nil, func(ev TranscriptEvent) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	sess.events <- EngineEvent{Text: "interim", IsFinal: false, Confidence: 0.2}
	sess.events <- EngineEvent{Text: "hallo wereld", IsFinal: true, Confidence: 0.9}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for final transcript")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly 1 final forwarded, got %d", len(received))
	}
	if received[0].Text != "hallo wereld" || !received[0].IsFinal {
		t.Errorf("unexpected event: %+v", received[0])
	}

	adapter.Stop()
}

func TestSendChunkOverflowDropsOldest(t *testing.T) {
	sess := newFakeSession()
	engine := &fakeEngine{session: sess}
	cfg := DefaultConfig()
	cfg.QueueCapacity = 2
	cfg.RestartDeadline = time.Hour

	adapter := New(engine, cfg, nil, func(ev TranscriptEvent) {})
	// Don't Start the generator, so the queue fills without being drained.
	adapter.SendChunk([]byte{1})
	adapter.SendChunk([]byte{2})
	adapter.SendChunk([]byte{3}) // triggers overflow handling

	stats := adapter.GetStats()
	if stats.ChunksEnqueued == 0 {
		t.Error("expected at least one successful enqueue")
	}
	select {
	case head := <-adapter.queue:
		if len(head.bytes) != 1 || head.bytes[0] != 3 {
			t.Errorf("expected the oldest chunks dropped and chunk 3 at the head of the queue, got %v", head.bytes)
		}
	default:
		t.Error("expected the overflowing chunk to be enqueued after dropping the oldest")
	}
}
