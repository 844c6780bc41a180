// Package client abstracts the external peer-sharing engine.
//
// An engine is something that can be started and stopped and that reports
// progress as a stream of Events. Two implementations exist: Mock, which
// synthesizes plausible traffic, and IPC, which talks to an engine process
// over a length-prefixed msgpack socket.
package client

import (
	"context"

	"github.com/lanternwidget/statebus/types"
)

// Event kinds as named on the engine wire.
const (
	KindReady            = "ready"
	KindChunk            = "downstreamChunk"
	KindThroughput       = "downstreamThroughput"
	KindConnectionChange = "consumerConnectionChange"
)

// Event is one engine notification. The set of variants is closed:
// Ready, Chunk, Throughput and ConnectionChange.
type Event interface {
	// Kind returns the wire name of the event.
	Kind() string
	sealed()
}

// Ready signals that the engine can be started.
type Ready struct{}

// Chunk reports data received through one worker slot.
type Chunk struct {
	types.Chunk
}

// Throughput reports the instantaneous system-wide inbound rate.
type Throughput struct {
	types.Throughput
}

// ConnectionChange reports a consumer attaching to or leaving a slot.
type ConnectionChange struct {
	types.Connection
}

func (Ready) Kind() string            { return KindReady }
func (Chunk) Kind() string            { return KindChunk }
func (Throughput) Kind() string       { return KindThroughput }
func (ConnectionChange) Kind() string { return KindConnectionChange }

func (Ready) sealed()            {}
func (Chunk) sealed()            {}
func (Throughput) sealed()       {}
func (ConnectionChange) sealed() {}

// Client is a handle on a running engine.
//
// Start and Stop are fire-and-forget: their effects show up later on the
// Events channel. The channel is closed once the client has shut down.
type Client interface {
	Start()
	Stop()
	Events() <-chan Event
	Close() error
}

// Factory builds a Client. Configuration picks the factory once at startup.
type Factory func(ctx context.Context) (Client, error)

// MockFactory returns a Factory producing Mock clients.
func MockFactory(opts MockOptions) Factory {
	return func(context.Context) (Client, error) {
		return NewMock(opts), nil
	}
}

// IPCFactory returns a Factory that dials an engine process.
func IPCFactory(opts IPCOptions) Factory {
	return func(ctx context.Context) (Client, error) {
		return DialIPC(ctx, opts)
	}
}
