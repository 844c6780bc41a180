// Package aggregator turns the engine's event stream into published state.
//
// The Aggregator owns the connection table, lifetime counters and smoothed
// throughput, and drives the engine through its lifecycle:
//
//	uninitialized -> initializing -> ready -> sharing -> (stop) -> ready
//
// Lifecycle calls made in the wrong state are logged, counted and ignored.
// Every handler runs under one mutex and publishes through Emitters while
// holding it, so emitter subscribers must not call back into the Aggregator
// on the same goroutine.
package aggregator

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/lanternwidget/statebus/client"
	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/metrics"
	"github.com/lanternwidget/statebus/types"
)

// State is a copy of the Aggregator's internal state.
type State struct {
	Ready        bool
	Initializing bool
	Sharing      bool
	// Connections is keyed by worker slot.
	Connections         map[int]types.Connection
	LifetimeConnections int64
	// LifetimeChunks holds cumulative bytes per worker slot.
	LifetimeChunks map[int]int64
	// Throughput is the last raw sample.
	Throughput              float64
	MovingAverageThroughput float64
}

// Aggregator binds one engine client to a set of Emitters.
type Aggregator struct {
	factory   client.Factory
	emitters  *Emitters
	logger    *log.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	state    State
	cl       client.Client
	pumpDone chan struct{}
}

// New creates an Aggregator. The client is not built until Initialize.
// logger and collector may be nil.
func New(factory client.Factory, emitters *Emitters, logger *log.Logger, collector *metrics.Collector) *Aggregator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Aggregator{
		factory:   factory,
		emitters:  emitters,
		logger:    logger.Named("aggregator"),
		collector: collector,
		state: State{
			Connections:    make(map[int]types.Connection),
			LifetimeChunks: make(map[int]int64),
		},
	}
}

// Emitters returns the published values.
func (a *Aggregator) Emitters() *Emitters {
	return a.emitters
}

// Initialize builds the engine client and starts consuming its events.
// A call while initializing or after a client exists is ignored.
func (a *Aggregator) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.state.Initializing || a.cl != nil {
		a.mu.Unlock()
		a.guardViolation("initialize", "already initializing or initialized")
		return nil
	}
	a.state.Initializing = true
	a.mu.Unlock()

	cl, err := a.factory(ctx)

	a.mu.Lock()
	if err != nil {
		a.state.Initializing = false
		a.mu.Unlock()
		return fmt.Errorf("initialize client: %w", err)
	}
	done := make(chan struct{})
	a.cl = cl
	a.pumpDone = done
	a.mu.Unlock()

	a.logger.Info("client initialized", nil)
	go a.pump(cl, done)
	return nil
}

// Start begins sharing. Requires ready, a client, and not already sharing.
func (a *Aggregator) Start() {
	a.mu.Lock()
	if !a.state.Ready || a.cl == nil || a.state.Sharing {
		fields := map[string]any{
			"ready":   a.state.Ready,
			"client":  a.cl != nil,
			"sharing": a.state.Sharing,
		}
		a.mu.Unlock()
		a.logger.Warn("start rejected", fields)
		a.collector.IncGuardViolation()
		return
	}
	cl := a.cl
	a.state.Sharing = true
	a.emitters.Sharing.Update(true)
	a.mu.Unlock()

	cl.Start()
}

// Stop ends sharing. Ready is cleared at once; the engine reports ready
// again when its stop sequence completes.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.cl == nil {
		a.mu.Unlock()
		a.guardViolation("stop", "no client")
		return
	}
	cl := a.cl
	a.state.Ready = false
	a.state.Sharing = false
	a.emitters.Ready.Update(false)
	a.emitters.Sharing.Update(false)
	a.mu.Unlock()

	cl.Stop()
}

// Close shuts the client down and waits for its events to drain.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	cl, done := a.cl, a.pumpDone
	a.cl, a.pumpDone = nil, nil
	a.mu.Unlock()

	if cl == nil {
		return nil
	}
	err := cl.Close()
	<-done
	if err != nil {
		return fmt.Errorf("close client: %w", err)
	}
	return nil
}

// State returns a copy of the current state.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state
	s.Connections = maps.Clone(a.state.Connections)
	s.LifetimeChunks = maps.Clone(a.state.LifetimeChunks)
	return s
}

// HandleEvent dispatches one engine event.
func (a *Aggregator) HandleEvent(ev client.Event) {
	a.collector.IncEvent(ev.Kind())
	switch ev := ev.(type) {
	case client.Ready:
		a.OnReady()
	case client.Chunk:
		a.OnChunk(ev.Chunk)
	case client.Throughput:
		a.OnThroughput(ev.Throughput)
	case client.ConnectionChange:
		a.OnConnectionChange(ev.Connection)
	}
}

// OnReady marks the engine ready to start.
func (a *Aggregator) OnReady() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Ready = true
	a.state.Initializing = false
	a.emitters.Ready.Update(true)
}

// OnChunk adds a chunk to its slot's lifetime total.
func (a *Aggregator) OnChunk(c types.Chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.LifetimeChunks[c.WorkerIdx] += c.Size
	a.emitters.LifetimeChunks.Update(types.ChunksFromTotals(a.state.LifetimeChunks))
}

// OnThroughput folds a sample into the moving average: (prev + sample) / 2.
func (a *Aggregator) OnThroughput(t types.Throughput) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Throughput = t.BytesPerSec
	a.state.MovingAverageThroughput = (a.state.MovingAverageThroughput + t.BytesPerSec) / 2
	a.emitters.AverageThroughput.Update(a.state.MovingAverageThroughput)
}

// OnConnectionChange records a slot's new status. Only a transition from
// disconnected (the default for unseen slots) to connected counts toward
// the lifetime total.
func (a *Aggregator) OnConnectionChange(c types.Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prior := types.Disconnected
	if existing, ok := a.state.Connections[c.WorkerIdx]; ok {
		prior = existing.State
	}
	a.state.Connections[c.WorkerIdx] = c
	a.emitters.Connections.Update(sortedConnections(a.state.Connections))

	if prior == types.Disconnected && c.State == types.Connected {
		a.state.LifetimeConnections++
		a.emitters.LifetimeConnections.Update(a.state.LifetimeConnections)
	}
}

// AddLifetimeConnections merges connections counted in earlier sessions.
func (a *Aggregator) AddLifetimeConnections(n int64) {
	if n == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.LifetimeConnections += n
	a.emitters.LifetimeConnections.Update(a.state.LifetimeConnections)
}

func (a *Aggregator) pump(cl client.Client, done chan struct{}) {
	defer close(done)
	for ev := range cl.Events() {
		a.HandleEvent(ev)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cl != cl {
		return
	}
	// The engine went away on its own; allow a fresh Initialize.
	a.cl = nil
	a.pumpDone = nil
	a.state.Ready = false
	a.state.Initializing = false
	a.state.Sharing = false
	a.emitters.Ready.Update(false)
	a.emitters.Sharing.Update(false)
	a.logger.Warn("client event stream ended", nil)
}

func (a *Aggregator) guardViolation(op, reason string) {
	a.logger.Warn(op+" rejected", map[string]any{"reason": reason})
	a.collector.IncGuardViolation()
}

func sortedConnections(m map[int]types.Connection) []types.Connection {
	out := make([]types.Connection, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerIdx < out[j].WorkerIdx })
	return out
}
