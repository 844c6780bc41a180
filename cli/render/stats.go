package render

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/lanternwidget/statebus/types"
)

// StatsView is the payload of `statebus stats`, shared by every output
// format and the dashboard.
type StatsView struct {
	Ready               bool       `json:"ready" yaml:"ready"`
	Sharing             bool       `json:"sharing" yaml:"sharing"`
	ActiveConnections   int        `json:"active_connections" yaml:"active_connections"`
	LifetimeConnections int64      `json:"lifetime_connections" yaml:"lifetime_connections"`
	LifetimeBytes       int64      `json:"lifetime_bytes" yaml:"lifetime_bytes"`
	AverageThroughput   float64    `json:"average_throughput_bps" yaml:"average_throughput_bps"`
	Slots               []SlotView `json:"slots" yaml:"slots"`
}

// SlotView joins a worker slot's connection status with its lifetime bytes.
type SlotView struct {
	Worker int    `json:"worker" yaml:"worker"`
	State  string `json:"state" yaml:"state"`
	Addr   string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Bytes  int64  `json:"bytes" yaml:"bytes"`
}

// NewStatsView builds the view from a snapshot. Slots appear if they have
// ever reported a connection or a chunk, ordered by worker index.
func NewStatsView(s types.StateSnapshot) StatsView {
	slots := make(map[int]*SlotView)
	slot := func(idx int) *SlotView {
		if v, ok := slots[idx]; ok {
			return v
		}
		v := &SlotView{Worker: idx, State: types.Disconnected.String()}
		slots[idx] = v
		return v
	}
	for _, c := range s.Connections {
		v := slot(c.WorkerIdx)
		v.State = c.State.String()
		v.Addr = c.Addr
	}
	for _, c := range s.LifetimeChunks {
		slot(c.WorkerIdx).Bytes = c.Size
	}

	view := StatsView{
		Ready:               s.Ready,
		Sharing:             s.Sharing,
		ActiveConnections:   s.ActiveConnections(),
		LifetimeConnections: s.LifetimeConnections,
		LifetimeBytes:       s.LifetimeBytes(),
		AverageThroughput:   s.AverageThroughput,
		Slots:               make([]SlotView, 0, len(slots)),
	}
	for _, v := range slots {
		view.Slots = append(view.Slots, *v)
	}
	sort.Slice(view.Slots, func(i, j int) bool { return view.Slots[i].Worker < view.Slots[j].Worker })
	return view
}

// Summary implements Tabular.
func (v StatsView) Summary() [][2]string {
	return [][2]string{
		{"ready", strconv.FormatBool(v.Ready)},
		{"sharing", strconv.FormatBool(v.Sharing)},
		{"active connections", strconv.Itoa(v.ActiveConnections)},
		{"lifetime connections", strconv.FormatInt(v.LifetimeConnections, 10)},
		{"lifetime data", FormatBytes(v.LifetimeBytes)},
		{"average throughput", FormatRate(v.AverageThroughput)},
	}
}

// Table implements Tabular.
func (v StatsView) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(v.Slots))
	for _, s := range v.Slots {
		addr := s.Addr
		if addr == "" {
			addr = "-"
		}
		rows = append(rows, []string{strconv.Itoa(s.Worker), s.State, addr, FormatBytes(s.Bytes)})
	}
	return []string{"WORKER", "STATE", "ADDR", "DATA"}, rows
}

// FormatBytes renders n with decimal units, e.g. "1.5 MB".
func FormatBytes(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 4; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTP"[exp])
}

// FormatRate renders a bytes-per-second rate.
func FormatRate(bps float64) string {
	return FormatBytes(int64(bps)) + "/s"
}
