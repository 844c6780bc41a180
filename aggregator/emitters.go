package aggregator

import (
	"fmt"
	"slices"

	"github.com/lanternwidget/statebus/emitter"
	"github.com/lanternwidget/statebus/types"
)

// Emitter names used on the relay protocol.
const (
	NameSharing             = "sharing"
	NameConnections         = "connections"
	NameLifetimeConnections = "lifetimeConnections"
	NameAverageThroughput   = "averageThroughput"
	NameLifetimeChunks      = "lifetimeChunks"
	NameReady               = "ready"
)

// Names lists every published emitter in hydration order.
var Names = []string{
	NameSharing,
	NameConnections,
	NameLifetimeConnections,
	NameAverageThroughput,
	NameLifetimeChunks,
	NameReady,
}

// Emitters is the set of observable values one context publishes.
// The aggregator writes them; everything else only reads or subscribes.
// A mirror context holds its own replica and writes it through Apply.
type Emitters struct {
	Connections         *emitter.Emitter[[]types.Connection]
	AverageThroughput   *emitter.Emitter[float64]
	LifetimeConnections *emitter.Emitter[int64]
	LifetimeChunks      *emitter.Emitter[[]types.Chunk]
	Ready               *emitter.Emitter[bool]
	Sharing             *emitter.Emitter[bool]
}

// NewEmitters creates the emitter set with zero initial values.
func NewEmitters() *Emitters {
	return &Emitters{
		Connections:         emitter.NewFunc([]types.Connection{}, slices.Equal[[]types.Connection]),
		AverageThroughput:   emitter.New(0.0),
		LifetimeConnections: emitter.New(int64(0)),
		LifetimeChunks:      emitter.NewFunc([]types.Chunk{}, slices.Equal[[]types.Chunk]),
		Ready:               emitter.New(false),
		Sharing:             emitter.New(false),
	}
}

// Snapshot reads every current value.
func (e *Emitters) Snapshot() types.StateSnapshot {
	return types.StateSnapshot{
		Ready:               e.Ready.Value(),
		Sharing:             e.Sharing.Value(),
		Connections:         e.Connections.Value(),
		LifetimeConnections: e.LifetimeConnections.Value(),
		LifetimeChunks:      e.LifetimeChunks.Value(),
		AverageThroughput:   e.AverageThroughput.Value(),
	}
}

// Value returns the current value of the named emitter.
func (e *Emitters) Value(name string) (any, bool) {
	switch name {
	case NameSharing:
		return e.Sharing.Value(), true
	case NameConnections:
		return e.Connections.Value(), true
	case NameLifetimeConnections:
		return e.LifetimeConnections.Value(), true
	case NameAverageThroughput:
		return e.AverageThroughput.Value(), true
	case NameLifetimeChunks:
		return e.LifetimeChunks.Value(), true
	case NameReady:
		return e.Ready.Value(), true
	default:
		return nil, false
	}
}

// SubscribeAll registers fn on every emitter. fn receives the emitter name
// and its new value. The returned func removes all registrations.
func (e *Emitters) SubscribeAll(fn func(name string, value any)) func() {
	subs := []func(){
		subscribe(e.Sharing, NameSharing, fn),
		subscribe(e.Connections, NameConnections, fn),
		subscribe(e.LifetimeConnections, NameLifetimeConnections, fn),
		subscribe(e.AverageThroughput, NameAverageThroughput, fn),
		subscribe(e.LifetimeChunks, NameLifetimeChunks, fn),
		subscribe(e.Ready, NameReady, fn),
	}
	return func() {
		for _, unsub := range subs {
			unsub()
		}
	}
}

func subscribe[T any](em *emitter.Emitter[T], name string, fn func(string, any)) func() {
	s := em.Subscribe(func(v T) { fn(name, v) })
	return func() { em.Unsubscribe(s) }
}

// Apply decodes a loosely typed value (as it arrives off the wire) and
// updates the named emitter. It reports whether the value changed.
func (e *Emitters) Apply(name string, raw any) (bool, error) {
	switch name {
	case NameSharing:
		return apply(e.Sharing, name, raw)
	case NameConnections:
		return apply(e.Connections, name, raw)
	case NameLifetimeConnections:
		return apply(e.LifetimeConnections, name, raw)
	case NameAverageThroughput:
		return apply(e.AverageThroughput, name, raw)
	case NameLifetimeChunks:
		return apply(e.LifetimeChunks, name, raw)
	case NameReady:
		return apply(e.Ready, name, raw)
	default:
		return false, fmt.Errorf("unknown emitter %q", name)
	}
}

func apply[T any](em *emitter.Emitter[T], name string, raw any) (bool, error) {
	var v T
	if raw != nil {
		if err := types.DecodeData(raw, &v); err != nil {
			return false, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return em.Update(v), nil
}
