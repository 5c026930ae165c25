package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAcceptDialControlRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close()
		msg, err := conn.ReadControl(r.Context())
		if err != nil {
			t.Errorf("server read control: %v", err)
			return
		}
		if msg.Type != MessageTypeKeepalive || msg.Action != ActionPing {
			t.Errorf("unexpected message: %+v", msg)
		}
		if err := conn.Pong(r.Context()); err != nil {
			t.Errorf("server pong: %v", err)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("client ping: %v", err)
	}
	reply, err := client.ReadControl(ctx)
	if err != nil {
		t.Fatalf("client read control: %v", err)
	}
	if reply.Type != MessageTypeKeepalive || reply.Action != ActionPong {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestWriteAndReadBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close()
		if err := conn.WriteAudio(r.Context(), []byte("audio-bytes")); err != nil {
			t.Errorf("server write audio: %v", err)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	payload, err := client.ReadBinary(ctx)
	if err != nil {
		t.Fatalf("read binary: %v", err)
	}
	if string(payload) != "audio-bytes" {
		t.Errorf("unexpected payload: %s", payload)
	}
}
