package client

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lanternwidget/statebus/types"
)

// MockAddrs are the consumer addresses the mock assigns to slots, in order.
var MockAddrs = []string{
	"120.216.165.160",
	"87.107.251.220",
	"152.206.0.0",
	"109.111.64.0",
	"101.33.22.0",
}

// MockOptions tunes the synthetic engine. Zero values take the defaults.
type MockOptions struct {
	// Slots is the number of worker slots (default 5).
	Slots int
	// Tick is the traffic interval (default 250ms).
	Tick time.Duration
	// ConnectEvery is the number of ticks between slot connections (default 10).
	ConnectEvery int
	// MaxChunk bounds the random chunk size, inclusive (default 1e6).
	MaxChunk int64
	// DrainSamples is the number of zero-throughput samples sent on stop (default 50).
	DrainSamples int
	// DrainInterval spaces the drain samples (default 50ms).
	DrainInterval time.Duration
	// ReadyDelay is the wait between the drain and the next ready (default 2s).
	ReadyDelay time.Duration
	// Rand supplies chunk sizes. Nil uses the global source.
	Rand *rand.Rand
	// Buffer is the event channel capacity (default 256).
	Buffer int
}

func (o MockOptions) withDefaults() MockOptions {
	if o.Slots <= 0 {
		o.Slots = 5
	}
	if o.Tick <= 0 {
		o.Tick = 250 * time.Millisecond
	}
	if o.ConnectEvery <= 0 {
		o.ConnectEvery = 10
	}
	if o.MaxChunk <= 0 {
		o.MaxChunk = 1_000_000
	}
	if o.DrainSamples <= 0 {
		o.DrainSamples = 50
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = 50 * time.Millisecond
	}
	if o.ReadyDelay <= 0 {
		o.ReadyDelay = 2 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	return o
}

// Mock is a synthetic engine.
//
// While running it emits, on every tick, one random chunk per connected
// slot followed by a throughput sample equal to their sum. On the first
// tick and every ConnectEvery ticks after it, one more slot connects until
// all are connected. Stop disconnects every slot, drains throughput to zero
// and reports ready again.
type Mock struct {
	opts   MockOptions
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	active  int
	stopRun chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMock creates a Mock. Ready is queued immediately.
func NewMock(opts MockOptions) *Mock {
	opts = opts.withDefaults()
	m := &Mock{
		opts:   opts,
		events: make(chan Event, opts.Buffer),
		done:   make(chan struct{}),
	}
	m.events <- Ready{}
	return m
}

// Events returns the event stream.
func (m *Mock) Events() <-chan Event {
	return m.events
}

// Start begins emitting traffic. No-op while already running.
func (m *Mock) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopRun != nil || m.closed() {
		return
	}
	m.stopRun = make(chan struct{})
	m.wg.Add(1)
	go m.run(m.stopRun)
}

// Stop halts traffic and runs the stop handshake on its own goroutine.
// The handshake cannot be cancelled except by Close.
func (m *Mock) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return
	}
	if m.stopRun != nil {
		close(m.stopRun)
		m.stopRun = nil
	}
	m.active = 0
	m.wg.Add(1)
	go m.handshake()
}

// Close stops all goroutines and closes the event stream.
func (m *Mock) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		close(m.done)
		m.mu.Unlock()
		m.wg.Wait()
		close(m.events)
	})
	return nil
}

func (m *Mock) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Mock) run(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-stop:
			return
		case <-m.done:
			return
		case <-ticker.C:
			if !m.step(stop, tick) {
				return
			}
			tick++
		}
	}
}

// step emits one tick of traffic. Returns false once the run is over.
func (m *Mock) step(stop <-chan struct{}, tick int) bool {
	m.mu.Lock()
	select {
	case <-stop:
		m.mu.Unlock()
		return false
	default:
	}
	active := m.active
	connect := tick%m.opts.ConnectEvery == 0 && active < m.opts.Slots
	if connect {
		m.active++
	}
	m.mu.Unlock()

	var total int64
	for idx := range active {
		size := m.chunkSize()
		total += size
		if !m.emit(Chunk{types.Chunk{Size: size, WorkerIdx: idx}}) {
			return false
		}
	}
	if !m.emit(Throughput{types.Throughput{BytesPerSec: float64(total)}}) {
		return false
	}
	if connect {
		return m.emit(ConnectionChange{m.slot(active, types.Connected)})
	}
	return true
}

func (m *Mock) handshake() {
	defer m.wg.Done()

	for idx := range m.opts.Slots {
		if !m.emit(ConnectionChange{m.slot(idx, types.Disconnected)}) {
			return
		}
	}
	for range m.opts.DrainSamples {
		if !m.sleep(m.opts.DrainInterval) {
			return
		}
		if !m.emit(Throughput{}) {
			return
		}
	}
	if !m.sleep(m.opts.ReadyDelay) {
		return
	}
	m.emit(Ready{})
}

func (m *Mock) slot(idx int, state types.ConnectionState) types.Connection {
	return types.Connection{State: state, WorkerIdx: idx, Addr: MockAddrs[idx%len(MockAddrs)]}
}

func (m *Mock) chunkSize() int64 {
	if m.opts.Rand != nil {
		return m.opts.Rand.Int64N(m.opts.MaxChunk + 1)
	}
	return rand.Int64N(m.opts.MaxChunk + 1)
}

// emit delivers ev unless the mock is closed.
func (m *Mock) emit(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Mock) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.done:
		return false
	}
}

var _ Client = (*Mock)(nil)
