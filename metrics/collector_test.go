package metrics

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("mock", "memory", "sess-1")

	c.IncEvent("downstreamChunk")
	c.IncEvent("downstreamChunk")
	c.IncEvent("ready")
	c.IncGuardViolation()
	c.IncForwarded()
	c.IncForwarded()
	c.IncForwarded()
	c.IncDroppedUnsigned()
	c.IncDroppedUnreachable()
	c.IncDroppedUnreachable()
	c.IncSendFailure()
	c.IncStorageRead()
	c.IncStorageWrite()
	c.IncStorageWrite()
	c.IncStorageFailure()
	c.IncIPCDecodeErrors()

	s := c.Snapshot()

	if s.EventsByKind["downstreamChunk"] != 2 {
		t.Errorf("EventsByKind[downstreamChunk] = %d, want 2", s.EventsByKind["downstreamChunk"])
	}
	if s.EventsTotal() != 3 {
		t.Errorf("EventsTotal = %d, want 3", s.EventsTotal())
	}
	if s.GuardViolations != 1 {
		t.Errorf("GuardViolations = %d, want 1", s.GuardViolations)
	}
	if s.EnvelopesForwarded != 3 {
		t.Errorf("EnvelopesForwarded = %d, want 3", s.EnvelopesForwarded)
	}
	if s.EnvelopesDroppedUnsigned != 1 {
		t.Errorf("EnvelopesDroppedUnsigned = %d, want 1", s.EnvelopesDroppedUnsigned)
	}
	if s.EnvelopesDroppedUnreachable != 2 {
		t.Errorf("EnvelopesDroppedUnreachable = %d, want 2", s.EnvelopesDroppedUnreachable)
	}
	if s.SendFailures != 1 {
		t.Errorf("SendFailures = %d, want 1", s.SendFailures)
	}
	if s.StorageReads != 1 || s.StorageWrites != 2 || s.StorageFailures != 1 {
		t.Errorf("storage = %d/%d/%d, want 1/2/1", s.StorageReads, s.StorageWrites, s.StorageFailures)
	}
	if s.IPCDecodeErrors != 1 {
		t.Errorf("IPCDecodeErrors = %d, want 1", s.IPCDecodeErrors)
	}
}

func TestCollector_Dimensions(t *testing.T) {
	s := NewCollector("ipc", "redis", "sess-42").Snapshot()

	if s.ClientMode != "ipc" {
		t.Errorf("ClientMode = %q, want ipc", s.ClientMode)
	}
	if s.StorageBackend != "redis" {
		t.Errorf("StorageBackend = %q, want redis", s.StorageBackend)
	}
	if s.SessionID != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", s.SessionID)
	}
}

func TestCollector_NilReceiverSafe(t *testing.T) {
	var c *Collector

	c.IncEvent("ready")
	c.IncGuardViolation()
	c.IncForwarded()
	c.IncDroppedUnsigned()
	c.IncDroppedUnreachable()
	c.IncSendFailure()
	c.IncStorageRead()
	c.IncStorageWrite()
	c.IncStorageFailure()
	c.IncIPCDecodeErrors()

	s := c.Snapshot()
	if s.EventsTotal() != 0 {
		t.Errorf("EventsTotal = %d, want 0", s.EventsTotal())
	}
}

func TestCollector_SnapshotIsolation(t *testing.T) {
	c := NewCollector("mock", "memory", "")
	c.IncEvent("ready")

	s := c.Snapshot()
	s.EventsByKind["ready"] = 100

	if got := c.Snapshot().EventsByKind["ready"]; got != 1 {
		t.Errorf("collector mutated through snapshot: got %d, want 1", got)
	}
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := NewCollector("mock", "memory", "")
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.IncForwarded()
				c.IncEvent("downstreamThroughput")
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.EnvelopesForwarded != 5000 {
		t.Errorf("EnvelopesForwarded = %d, want 5000", s.EnvelopesForwarded)
	}
	if s.EventsByKind["downstreamThroughput"] != 5000 {
		t.Errorf("throughput events = %d, want 5000", s.EventsByKind["downstreamThroughput"])
	}
}

func TestExporter_Collect(t *testing.T) {
	c := NewCollector("mock", "memory", "sess-1")
	c.IncForwarded()
	c.IncForwarded()
	c.IncDroppedUnreachable()

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewExporter(c)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	expected := `
# HELP statebus_envelopes_forwarded_total Envelopes forwarded across relays.
# TYPE statebus_envelopes_forwarded_total counter
statebus_envelopes_forwarded_total{client_mode="mock",session_id="sess-1",storage_backend="memory"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "statebus_envelopes_forwarded_total"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}
