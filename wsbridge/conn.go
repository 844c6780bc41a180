package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/relay"
)

// ErrSendQueueFull is returned when the outbound queue cannot take a message.
var ErrSendQueueFull = errors.New("websocket send queue full")

// Conn is the client end of a popup session.
type Conn struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *log.Logger

	mu       sync.RWMutex
	handlers []func([]byte)
	closed   bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens a session against a Hub at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger *log.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if logger == nil {
		logger = log.NewNop()
	}

	c := &Conn{
		conn:   ws,
		send:   make(chan []byte, DefaultSendBuffer),
		done:   make(chan struct{}),
		logger: logger.Named("wsbridge"),
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		writePump(ws, c.send, c.logger)
	}()
	go c.readPump()
	return c, nil
}

// Send queues msg without blocking.
func (c *Conn) Send(_ context.Context, msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// OnReceive registers a handler for messages from the Hub.
func (c *Conn) OnReceive(fn func(msg []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Done is closed when the session ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close ends the session with a normal closure.
func (c *Conn) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

func (c *Conn) readPump() {
	defer c.wg.Done()
	defer close(c.done)
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("session read failed", map[string]any{"error": err})
			}
			return
		}
		c.mu.RLock()
		handlers := c.handlers
		c.mu.RUnlock()
		for _, fn := range handlers {
			fn(msg)
		}
	}
}

var _ relay.Transport = (*Conn)(nil)
