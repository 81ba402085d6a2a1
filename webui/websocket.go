package webui

import (
	"net/http"
	"sync"
	"time"

	"mlpipeline/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SnapshotSource is a replay-latest stream of metrics snapshots.
// pipeline.Orchestrator implements it.
type SnapshotSource interface {
	Subscribe() (<-chan metrics.PipelineMetrics, func())
}

// StreamConfig tunes the websocket metrics stream.
type StreamConfig struct {
	// PingInterval is how often to ping clients
	PingInterval time.Duration
	// PongWait is how long a client may stay silent
	PongWait time.Duration
	// WriteWait bounds one write
	WriteWait time.Duration
	// MaxMessageSize caps client messages
	MaxMessageSize int64
}

// DefaultStreamConfig returns the stream defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 512,
	}
}

// MetricsStream serves metrics snapshots over websockets. Every client
// holds its own subscription, so a new client immediately receives the
// latest snapshot and a slow client only ever skips stale ones.
//
// Molecule composition:
//   - gorilla/websocket upgrader
//   - SnapshotSource subscription per client
//   - read pump for pongs and close, write pump for snapshots and pings
type MetricsStream struct {
	source   SnapshotSource
	status   func() any
	cfg      StreamConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// NewMetricsStream creates a stream over source. status, if set, is sent
// to each client right after it connects.
func NewMetricsStream(source SnapshotSource, status func() any, cfg StreamConfig, logger *zap.Logger) *MetricsStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsStream{
		source: source,
		status: status,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same-origin deployment; the API is behind auth.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and streams until the client leaves or
// Close is called.
func (s *MetricsStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.String("remote", clientIP(r)), zap.Error(err))
		return
	}
	if !s.add(conn) {
		conn.Close()
		return
	}

	snapshots, cancel := s.source.Subscribe()
	gone := make(chan struct{})
	go s.readPump(conn, gone)

	s.logger.Debug("Websocket client connected", zap.String("remote", clientIP(r)), zap.Int("clients", s.ClientCount()))
	s.writePump(conn, snapshots, gone)

	cancel()
	s.remove(conn)
	s.logger.Debug("Websocket client disconnected", zap.String("remote", clientIP(r)))
}

func (s *MetricsStream) add(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[conn] = struct{}{}
	return true
}

func (s *MetricsStream) remove(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

// readPump discards client messages and closes gone when the client
// disconnects or stops answering pings.
func (s *MetricsStream) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only writer on conn.
func (s *MetricsStream) writePump(conn *websocket.Conn, snapshots <-chan metrics.PipelineMetrics, gone <-chan struct{}) {
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	if s.status != nil {
		if err := s.write(conn, NewWSMessage(MessageTypeStatus, s.status())); err != nil {
			return
		}
	}

	for {
		select {
		case <-gone:
			return
		case snap, ok := <-snapshots:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "pipeline shut down"))
				return
			}
			if err := s.write(conn, NewWSMessage(MessageTypeSnapshot, snap)); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *MetricsStream) write(conn *websocket.Conn, msg WSMessage) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("Websocket write failed", zap.String("type", msg.Type), zap.Error(err))
		return err
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *MetricsStream) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones.
func (s *MetricsStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}
