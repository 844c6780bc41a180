// Package wsbridge carries relay envelopes over websockets.
//
// The Hub is the server side: every connected popup is a session, and the
// Hub as a whole is one relay.Transport that broadcasts to all sessions and
// reports itself open while at least one session is connected. Conn is the
// client side used by CLI popups.
package wsbridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/metrics"
	"github.com/lanternwidget/statebus/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 1 << 20

	// DefaultSendBuffer is the per-session outbound queue length.
	DefaultSendBuffer = 64
)

// ErrNoSessions is returned by Hub.Send when nobody is connected.
var ErrNoSessions = errors.New("no websocket sessions")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("websocket bridge closed")

type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub accepts popup sessions.
type Hub struct {
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *log.Logger
	collector  *metrics.Collector

	mu       sync.RWMutex
	sessions map[*session]struct{}
	handlers []func([]byte)
	watchers []func(bool)
	closed   bool
	wg       sync.WaitGroup

	// notifyMu serializes watcher calls; reported is the last state told.
	notifyMu sync.Mutex
	reported bool
}

// NewHub creates a Hub. sendBuffer <= 0 uses DefaultSendBuffer.
func NewHub(sendBuffer int, logger *log.Logger, collector *metrics.Collector) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		logger:     logger.Named("wsbridge"),
		collector:  collector,
		sessions:   make(map[*session]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]any{"error": err})
		return
	}

	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
	}
	if !h.register(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go func() {
		defer h.wg.Done()
		writePump(conn, s.send, h.logger)
	}()
	h.readPump(s)
}

// Send broadcasts msg to every session without blocking. A session whose
// queue is full misses the message.
func (h *Hub) Send(_ context.Context, msg []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	if len(h.sessions) == 0 {
		return ErrNoSessions
	}
	for s := range h.sessions {
		select {
		case s.send <- msg:
		default:
			h.collector.IncSendFailure()
			h.logger.Debug("session queue full, dropping", map[string]any{"session_id": s.id})
		}
	}
	return nil
}

// OnReceive registers a handler for messages from any session.
func (h *Hub) OnReceive(fn func(msg []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, fn)
}

// OnPort registers a watcher told when the first session connects and when
// the last one leaves.
func (h *Hub) OnPort(fn func(open bool)) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	h.mu.Lock()
	h.watchers = append(h.watchers, fn)
	h.mu.Unlock()
	if h.reported {
		fn(true)
	}
}

// notifyPort tells watchers the current open state if it differs from the
// last one reported. The state is read under notifyMu, so concurrent
// register and unregister calls cannot deliver open and close out of order.
func (h *Hub) notifyPort() {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	h.mu.RLock()
	open := len(h.sessions) > 0
	watchers := h.watchers
	h.mu.RUnlock()
	if open == h.reported {
		return
	}
	h.reported = open
	for _, fn := range watchers {
		fn(open)
	}
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every session and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	h.wg.Wait()
	return nil
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1) // write pump
	h.mu.Unlock()

	h.logger.Info("session opened", map[string]any{"session_id": s.id})
	h.notifyPort()
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()

	s.close()
	h.logger.Info("session closed", map[string]any{"session_id": s.id})
	h.notifyPort()
}

func (h *Hub) readPump(s *session) {
	defer h.unregister(s)

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("session read failed", map[string]any{"session_id": s.id, "error": err})
			}
			return
		}
		h.mu.RLock()
		handlers := h.handlers
		h.mu.RUnlock()
		for _, fn := range handlers {
			fn(msg)
		}
	}
}

// writePump drains send onto conn and keeps the link alive with pings.
// It closes conn when send is closed or a write fails.
func writePump(conn *websocket.Conn, send <-chan []byte, logger *log.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("websocket write failed", map[string]any{"error": err})
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("websocket ping failed", map[string]any{"error": err})
				return
			}
		}
	}
}

var (
	_ relay.Transport   = (*Hub)(nil)
	_ relay.PortWatcher = (*Hub)(nil)
	_ http.Handler      = (*Hub)(nil)
)
