package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "statebus"

// Exporter exposes a Collector's snapshot as Prometheus counters.
// Values are read at scrape time, so the Collector stays the single source.
type Exporter struct {
	collector *Collector

	events          *prometheus.Desc
	guardViolations *prometheus.Desc
	forwarded       *prometheus.Desc
	dropped         *prometheus.Desc
	sendFailures    *prometheus.Desc
	storageOps      *prometheus.Desc
	ipcDecodeErrors *prometheus.Desc
}

// NewExporter builds an Exporter. Dimensions become constant labels.
func NewExporter(c *Collector) *Exporter {
	s := c.Snapshot()
	labels := prometheus.Labels{
		"client_mode":     s.ClientMode,
		"storage_backend": s.StorageBackend,
		"session_id":      s.SessionID,
	}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}

	return &Exporter{
		collector:       c,
		events:          desc("client_events_total", "Client events handled by the aggregator.", "kind"),
		guardViolations: desc("guard_violations_total", "Operations rejected by a lifecycle guard."),
		forwarded:       desc("envelopes_forwarded_total", "Envelopes forwarded across relays."),
		dropped:         desc("envelopes_dropped_total", "Envelopes dropped by relays.", "reason"),
		sendFailures:    desc("send_failures_total", "Transport send errors."),
		storageOps:      desc("storage_operations_total", "Store operations by result.", "result"),
		ipcDecodeErrors: desc("ipc_decode_errors_total", "Engine frames that failed to decode."),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.events
	ch <- e.guardViolations
	ch <- e.forwarded
	ch <- e.dropped
	ch <- e.sendFailures
	ch <- e.storageOps
	ch <- e.ipcDecodeErrors
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.collector.Snapshot()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	for kind, v := range s.EventsByKind {
		counter(e.events, v, kind)
	}
	counter(e.guardViolations, s.GuardViolations)
	counter(e.forwarded, s.EnvelopesForwarded)
	counter(e.dropped, s.EnvelopesDroppedUnsigned, "unsigned")
	counter(e.dropped, s.EnvelopesDroppedUnreachable, "unreachable")
	counter(e.sendFailures, s.SendFailures)
	counter(e.storageOps, s.StorageReads, "read")
	counter(e.storageOps, s.StorageWrites, "write")
	counter(e.storageOps, s.StorageFailures, "failure")
	counter(e.ipcDecodeErrors, s.IPCDecodeErrors)
}

var _ prometheus.Collector = (*Exporter)(nil)
