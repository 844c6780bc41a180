package relay

import (
	"context"
	"errors"
	"sync"
)

// Pipe errors.
var (
	ErrPipeFull   = errors.New("pipe buffer full")
	ErrPipeClosed = errors.New("pipe closed")
)

// DefaultPipeBuffer is the per-end queue length used when none is given.
const DefaultPipeBuffer = 64

// PipeEnd is one side of an in-memory message channel. Send never blocks:
// when the peer's queue is full the message is dropped with ErrPipeFull.
// Messages arriving before any handler is registered are discarded.
type PipeEnd struct {
	peer  *PipeEnd
	inbox chan []byte
	done  chan struct{}

	mu       sync.RWMutex
	handlers []func([]byte)
	closed   bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPipe creates two connected ends.
func NewPipe(buffer int) (*PipeEnd, *PipeEnd) {
	if buffer <= 0 {
		buffer = DefaultPipeBuffer
	}
	a := newPipeEnd(buffer)
	b := newPipeEnd(buffer)
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd(buffer int) *PipeEnd {
	e := &PipeEnd{
		inbox: make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.deliver()
	return e
}

// Send enqueues msg for the peer.
func (e *PipeEnd) Send(_ context.Context, msg []byte) error {
	p := e.peer
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPipeClosed
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case p.inbox <- buf:
		return nil
	default:
		return ErrPipeFull
	}
}

// OnReceive registers fn. Handlers run in registration order on the end's
// delivery goroutine.
func (e *PipeEnd) OnReceive(fn func(msg []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, fn)
}

// Close stops delivery on this end. Later sends to it fail.
func (e *PipeEnd) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)
		e.wg.Wait()
	})
	return nil
}

func (e *PipeEnd) deliver() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case msg := <-e.inbox:
			e.mu.RLock()
			handlers := e.handlers
			e.mu.RUnlock()
			for _, fn := range handlers {
				fn(msg)
			}
		}
	}
}

var _ Transport = (*PipeEnd)(nil)
