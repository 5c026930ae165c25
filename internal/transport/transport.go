// Package transport wraps the speaker and listener websocket sockets (spec
// §6.1, §6.2) behind small connection types, grounded on the teacher's
// pkg/providers/tts/lokutor.go: a mutex-guarded *websocket.Conn, JSON control
// frames via wsjson, binary frames for raw audio, and "drop the connection on
// any read/write error" error handling.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ControlMessage is the JSON shape exchanged on both sockets' text frames
// (spec §6.1/§6.2: keepalive ping/pong only — listeners receive no other
// control frame).
type ControlMessage struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
}

const (
	MessageTypeKeepalive = "keepalive"
	ActionPing           = "ping"
	ActionPong           = "pong"
)

// AcceptOptions controls the websocket.Accept call (spec §6.1: "origin
// checking and compression policy are deployment concerns, not specified
// here" — left at the library defaults except where noted).
type AcceptOptions = websocket.AcceptOptions

// Accept upgrades an incoming HTTP request to a websocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (*Conn, error) {
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return &Conn{conn: c}, nil
}

// Dial connects outbound to a websocket endpoint (used by tests and any
// future server-to-server legs; speaker/listener sockets in production are
// always server-accepted, per spec §6.1/§6.2).
func Dial(ctx context.Context, url string) (*Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return &Conn{conn: c}, nil
}

// Conn is one mutex-guarded websocket connection. Writes are serialized so
// that concurrent broadcasters (spec §4.10 Connection Manager) never
// interleave frames on the wire, the same discipline the teacher's
// LokutorTTS client uses around a single *websocket.Conn.
type Conn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// ReadBinary blocks for the next binary frame, the speaker socket's audio
// chunk contract (spec §6.1).
func (c *Conn) ReadBinary(ctx context.Context) ([]byte, error) {
	for {
		msgType, payload, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		if msgType == websocket.MessageBinary {
			return payload, nil
		}
		// Non-binary frames on the speaker socket are control messages; the
		// caller that wants those uses ReadControl instead. Skip here.
	}
}

// ReadControl blocks for the next JSON text frame.
func (c *Conn) ReadControl(ctx context.Context) (ControlMessage, error) {
	var msg ControlMessage
	if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("transport: read control: %w", err)
	}
	return msg, nil
}

// ReadFrame blocks for the next frame and classifies it. The speaker socket
// (spec §6.1) interleaves binary audio chunks with JSON keepalive-pong
// frames on one connection, so a handler loop needs both in arrival order
// rather than ReadBinary's skip-control behavior.
func (c *Conn) ReadFrame(ctx context.Context) (audio []byte, msg ControlMessage, isBinary bool, err error) {
	msgType, payload, err := c.conn.Read(ctx)
	if err != nil {
		return nil, ControlMessage{}, false, fmt.Errorf("transport: read: %w", err)
	}
	if msgType == websocket.MessageBinary {
		return payload, ControlMessage{}, true, nil
	}
	var cm ControlMessage
	if err := json.Unmarshal(payload, &cm); err != nil {
		return nil, ControlMessage{}, false, fmt.Errorf("transport: unmarshal control: %w", err)
	}
	return nil, cm, false, nil
}

// WriteAudio sends a binary audio frame (the listener socket's synthesized
// audio contract, spec §6.2).
func (c *Conn) WriteAudio(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageBinary, audio); err != nil {
		return fmt.Errorf("transport: write audio: %w", err)
	}
	return nil
}

// WriteControl sends a JSON text frame.
func (c *Conn) WriteControl(ctx context.Context, msg ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return fmt.Errorf("transport: write control: %w", err)
	}
	return nil
}

// Ping sends a keepalive ping text frame (spec §4.10).
func (c *Conn) Ping(ctx context.Context) error {
	return c.WriteControl(ctx, ControlMessage{Type: MessageTypeKeepalive, Action: ActionPing})
}

// Pong replies to a keepalive ping.
func (c *Conn) Pong(ctx context.Context) error {
	return c.WriteControl(ctx, ControlMessage{Type: MessageTypeKeepalive, Action: ActionPong})
}

// Close closes the underlying connection with a normal-closure code.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// CloseWithError closes the connection abnormally, mirroring the teacher's
// "drop the connection on protocol error" behavior.
func (c *Conn) CloseWithError(reason string) error {
	return c.conn.Close(websocket.StatusAbnormalClosure, reason)
}
