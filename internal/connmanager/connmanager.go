// Package connmanager implements the Connection Manager (spec §4.10),
// grounded directly on original_source/backend/connection_manager.py's
// add_listener/remove_listener/broadcast_to_stream/cleanup_dead_connections,
// generalized from Python's lock+set idiom to a mutex-guarded
// map[streamID]map[listenerID]*Listener, and on the teacher's
// pkg/providers/tts/lokutor.go for per-socket write serialization.
package connmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vertaler/s2sbroker/internal/logging"
	"github.com/vertaler/s2sbroker/internal/transport"
)

// Config holds the keepalive tunables (spec §4.10, defaults §6.4).
type Config struct {
	PingInterval time.Duration // default 30s
	PongTimeout  time.Duration // default 10s
}

func DefaultConfig() Config {
	return Config{PingInterval: 30 * time.Second, PongTimeout: 10 * time.Second}
}

// listener is one registered listener socket within a stream.
type listener struct {
	id       string
	conn     *transport.Conn
	lastPong time.Time
}

// KeepaliveStats is the SUPPLEMENTED FEATURES snapshot (get_keepalive_stats).
type KeepaliveStats struct {
	TotalListeners  int
	PingsSent       int64
	TimeoutsDetected int64
}

// Manager is the Connection Manager: a StreamListenerSet keyed by stream ID
// (spec §3), safe for concurrent use.
type Manager struct {
	cfg    Config
	logger logging.Logger

	mu      sync.Mutex
	streams map[string]map[string]*listener

	pingsSent       int64
	timeoutsDetected int64

	stopCh chan struct{}
	stopOnce sync.Once
	wg      sync.WaitGroup
}

func New(cfg Config, logger logging.Logger) *Manager {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		streams: make(map[string]map[string]*listener),
		stopCh:  make(chan struct{}),
	}
}

// AddListener registers a listener socket on a stream and returns the
// listener ID the caller should use with RemoveListener/HandlePong.
func (m *Manager) AddListener(streamID string, conn *transport.Conn) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.streams[streamID]
	if !ok {
		set = make(map[string]*listener)
		m.streams[streamID] = set
	}
	id := uuid.NewString()
	set[id] = &listener{id: id, conn: conn, lastPong: time.Now()}
	m.logger.Info("connmanager: added listener", "stream", streamID, "total", len(set))
	return id
}

// RemoveListener removes a listener, cleaning up an emptied stream entry
// (spec §4.10: "empty streams are deleted, not kept as empty sets").
func (m *Manager) RemoveListener(streamID, listenerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeListenerLocked(streamID, listenerID)
}

func (m *Manager) removeListenerLocked(streamID, listenerID string) {
	set, ok := m.streams[streamID]
	if !ok {
		return
	}
	if _, ok := set[listenerID]; !ok {
		return
	}
	delete(set, listenerID)
	if len(set) == 0 {
		delete(m.streams, streamID)
	}
}

// ListenerCount returns the number of listeners currently on a stream.
func (m *Manager) ListenerCount(streamID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[streamID])
}

// BroadcastToStream sends audio to every listener on a stream, removing any
// listener whose write fails (spec §4.10: "one broadcast per final
// transcript, best-effort per listener", I5).
func (m *Manager) BroadcastToStream(ctx context.Context, streamID string, audio []byte) {
	m.CleanupDeadConnections(streamID)

	m.mu.Lock()
	set, ok := m.streams[streamID]
	if !ok || len(set) == 0 {
		m.mu.Unlock()
		m.logger.Debug("connmanager: no listeners for stream, skipping broadcast", "stream", streamID)
		return
	}
	targets := make([]*listener, 0, len(set))
	for _, l := range set {
		targets = append(targets, l)
	}
	m.mu.Unlock()

	var failed []string
	for _, l := range targets {
		if err := l.conn.WriteAudio(ctx, audio); err != nil {
			m.logger.Error("connmanager: broadcast write failed", "stream", streamID, "listener", l.id, "err", err)
			failed = append(failed, l.id)
		}
	}

	if len(failed) > 0 {
		m.mu.Lock()
		for _, id := range failed {
			m.removeListenerLocked(streamID, id)
		}
		m.mu.Unlock()
	}
}

// HandlePong records a pong from a listener, resetting its dead-connection
// timer.
func (m *Manager) HandlePong(streamID, listenerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.streams[streamID]; ok {
		if l, ok := set[listenerID]; ok {
			l.lastPong = time.Now()
		}
	}
}

// CleanupDeadConnections removes listeners that have not ponged within
// PongTimeout since the last ping, mirroring cleanup_dead_connections.
func (m *Manager) CleanupDeadConnections(streamID string) int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.streams[streamID]
	if !ok {
		return 0
	}
	removed := 0
	for id, l := range set {
		if now.Sub(l.lastPong) > m.cfg.PingInterval+m.cfg.PongTimeout {
			delete(set, id)
			removed++
		}
	}
	if len(set) == 0 {
		delete(m.streams, streamID)
	}
	return removed
}

// StartKeepalive runs the ping ticker for as long as ctx is alive or Stop is
// called (spec §4.10 "keepalive ticker").
func (m *Manager) StartKeepalive(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.pingAllLocked(ctx)
			}
		}
	}()
}

func (m *Manager) pingAllLocked(ctx context.Context) {
	m.mu.Lock()
	var targets []*listener
	var streamIDs []string
	for sid, set := range m.streams {
		for _, l := range set {
			targets = append(targets, l)
			streamIDs = append(streamIDs, sid)
		}
	}
	m.mu.Unlock()

	for i, l := range targets {
		if err := l.conn.Ping(ctx); err != nil {
			m.logger.Warn("connmanager: ping failed", "stream", streamIDs[i], "listener", l.id, "err", err)
			m.RemoveListener(streamIDs[i], l.id)
			continue
		}
		m.pingsSentInc()
	}
	for _, sid := range dedupe(streamIDs) {
		if removed := m.CleanupDeadConnections(sid); removed > 0 {
			m.timeoutsDetectedAdd(int64(removed))
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) pingsSentInc() {
	m.mu.Lock()
	m.pingsSent++
	m.mu.Unlock()
}

func (m *Manager) timeoutsDetectedAdd(n int64) {
	m.mu.Lock()
	m.timeoutsDetected += n
	m.mu.Unlock()
}

// GetKeepaliveStats returns the SUPPLEMENTED FEATURES snapshot.
func (m *Manager) GetKeepaliveStats() KeepaliveStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, set := range m.streams {
		total += len(set)
	}
	return KeepaliveStats{TotalListeners: total, PingsSent: m.pingsSent, TimeoutsDetected: m.timeoutsDetected}
}

// Stop halts the keepalive ticker and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}
