// Package types holds the data model shared by every statebus context:
// chunk, connection and throughput records, the message envelope, and the
// published state snapshot.
package types

import "sort"

// ConnectionState is the peer-link status of one worker slot.
// Values match the engine's wire encoding (1 connected, -1 disconnected).
type ConnectionState int

// Connection states.
const (
	Connected    ConnectionState = 1
	Disconnected ConnectionState = -1
)

// String returns a lowercase label for the state.
func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Chunk is one unit of data transferred through a worker slot.
type Chunk struct {
	// Size is the chunk size in bytes.
	Size int64 `json:"size" yaml:"size" msgpack:"size" mapstructure:"size"`
	// WorkerIdx is the 0-indexed connection slot.
	WorkerIdx int `json:"workerIdx" yaml:"workerIdx" msgpack:"workerIdx" mapstructure:"workerIdx"`
}

// Connection is the latest known status of a worker slot.
// At most one Connection is kept per WorkerIdx.
type Connection struct {
	State     ConnectionState `json:"state" yaml:"state" msgpack:"state" mapstructure:"state"`
	WorkerIdx int             `json:"workerIdx" yaml:"workerIdx" msgpack:"workerIdx" mapstructure:"workerIdx"`
	// Addr is the consumer address when connected, empty otherwise.
	Addr string `json:"addr" yaml:"addr" msgpack:"addr" mapstructure:"addr"`
}

// Throughput is an instantaneous, system-wide inbound rate sample.
type Throughput struct {
	BytesPerSec float64 `json:"bytesPerSec" yaml:"bytesPerSec" msgpack:"bytesPerSec" mapstructure:"bytesPerSec"`
}

// StateSnapshot is a point-in-time view of every published value.
// It is what /state returns and what `statebus stats` renders.
type StateSnapshot struct {
	Ready               bool         `json:"ready" yaml:"ready"`
	Sharing             bool         `json:"sharing" yaml:"sharing"`
	Connections         []Connection `json:"connections" yaml:"connections"`
	LifetimeConnections int64        `json:"lifetimeConnections" yaml:"lifetimeConnections"`
	LifetimeChunks      []Chunk      `json:"lifetimeChunks" yaml:"lifetimeChunks"`
	AverageThroughput   float64      `json:"averageThroughput" yaml:"averageThroughput"`
}

// ActiveConnections counts slots currently in the Connected state.
func (s StateSnapshot) ActiveConnections() int {
	n := 0
	for _, c := range s.Connections {
		if c.State == Connected {
			n++
		}
	}
	return n
}

// LifetimeBytes sums the lifetime chunk totals across all slots.
func (s StateSnapshot) LifetimeBytes() int64 {
	var total int64
	for _, c := range s.LifetimeChunks {
		total += c.Size
	}
	return total
}

// ChunksFromTotals converts per-slot byte totals into a list ordered by WorkerIdx.
func ChunksFromTotals(totals map[int]int64) []Chunk {
	chunks := make([]Chunk, 0, len(totals))
	for idx, size := range totals {
		chunks = append(chunks, Chunk{Size: size, WorkerIdx: idx})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].WorkerIdx < chunks[j].WorkerIdx })
	return chunks
}
