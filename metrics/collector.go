// Package metrics accumulates statebus counters for the lifetime of a daemon.
//
// The Collector is a leaf package with no internal dependencies. Every
// increment method is nil-receiver safe so components can run without one.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
type Snapshot struct {
	// Aggregation
	EventsByKind    map[string]int64
	GuardViolations int64

	// Relay
	EnvelopesForwarded          int64
	EnvelopesDroppedUnsigned    int64
	EnvelopesDroppedUnreachable int64
	SendFailures                int64

	// Storage
	StorageReads    int64
	StorageWrites   int64
	StorageFailures int64

	// Engine IPC
	IPCDecodeErrors int64

	// Dimensions (informational, set at construction)
	ClientMode     string
	StorageBackend string
	SessionID      string
}

// EventsTotal sums EventsByKind.
func (s Snapshot) EventsTotal() int64 {
	var n int64
	for _, v := range s.EventsByKind {
		n += v
	}
	return n
}

// Collector accumulates counters. Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	eventsByKind    map[string]int64
	guardViolations int64

	envelopesForwarded          int64
	envelopesDroppedUnsigned    int64
	envelopesDroppedUnreachable int64
	sendFailures                int64

	storageReads    int64
	storageWrites   int64
	storageFailures int64

	ipcDecodeErrors int64

	clientMode     string
	storageBackend string
	sessionID      string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(clientMode, storageBackend, sessionID string) *Collector {
	return &Collector{
		eventsByKind:   make(map[string]int64),
		clientMode:     clientMode,
		storageBackend: storageBackend,
		sessionID:      sessionID,
	}
}

// --- Aggregation ---

// IncEvent records one client event of the given kind.
func (c *Collector) IncEvent(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsByKind[kind]++
	c.mu.Unlock()
}

// IncGuardViolation records an operation rejected by a lifecycle guard.
func (c *Collector) IncGuardViolation() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.guardViolations++
	c.mu.Unlock()
}

// --- Relay ---

// IncForwarded records an envelope forwarded across a relay.
func (c *Collector) IncForwarded() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.envelopesForwarded++
	c.mu.Unlock()
}

// IncDroppedUnsigned records a message dropped for lacking the signature.
func (c *Collector) IncDroppedUnsigned() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.envelopesDroppedUnsigned++
	c.mu.Unlock()
}

// IncDroppedUnreachable records an envelope dropped because the destination was closed.
func (c *Collector) IncDroppedUnreachable() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.envelopesDroppedUnreachable++
	c.mu.Unlock()
}

// IncSendFailure records a transport send error.
func (c *Collector) IncSendFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sendFailures++
	c.mu.Unlock()
}

// --- Storage ---

// IncStorageRead records a successful store read.
func (c *Collector) IncStorageRead() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.storageReads++
	c.mu.Unlock()
}

// IncStorageWrite records a successful store write.
func (c *Collector) IncStorageWrite() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.storageWrites++
	c.mu.Unlock()
}

// IncStorageFailure records a failed store operation.
func (c *Collector) IncStorageFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.storageFailures++
	c.mu.Unlock()
}

// --- IPC ---

// IncIPCDecodeErrors records an engine frame that failed to decode.
func (c *Collector) IncIPCDecodeErrors() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ipcDecodeErrors++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byKind := make(map[string]int64, len(c.eventsByKind))
	for k, v := range c.eventsByKind {
		byKind[k] = v
	}

	return Snapshot{
		EventsByKind:    byKind,
		GuardViolations: c.guardViolations,

		EnvelopesForwarded:          c.envelopesForwarded,
		EnvelopesDroppedUnsigned:    c.envelopesDroppedUnsigned,
		EnvelopesDroppedUnreachable: c.envelopesDroppedUnreachable,
		SendFailures:                c.sendFailures,

		StorageReads:    c.storageReads,
		StorageWrites:   c.storageWrites,
		StorageFailures: c.storageFailures,

		IPCDecodeErrors: c.ipcDecodeErrors,

		ClientMode:     c.clientMode,
		StorageBackend: c.storageBackend,
		SessionID:      c.sessionID,
	}
}
