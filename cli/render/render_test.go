package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lanternwidget/statebus/types"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{"json lowercase", "json", FormatJSON, false},
		{"json uppercase", "JSON", FormatJSON, false},
		{"table", "table", FormatTable, false},
		{"yaml", "yaml", FormatYAML, false},
		{"empty", "", "", false},
		{"invalid", "xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func sampleSnapshot() types.StateSnapshot {
	return types.StateSnapshot{
		Ready:   true,
		Sharing: true,
		Connections: []types.Connection{
			{State: types.Connected, WorkerIdx: 0, Addr: "10.0.0.1"},
			{State: types.Disconnected, WorkerIdx: 2},
		},
		LifetimeConnections: 7,
		LifetimeChunks: []types.Chunk{
			{Size: 1500, WorkerIdx: 0},
			{Size: 20, WorkerIdx: 1},
		},
		AverageThroughput: 2500000,
	}
}

func TestNewStatsView(t *testing.T) {
	v := NewStatsView(sampleSnapshot())

	if v.ActiveConnections != 1 || v.LifetimeConnections != 7 || v.LifetimeBytes != 1520 {
		t.Errorf("view totals = %+v", v)
	}
	want := []SlotView{
		{Worker: 0, State: "connected", Addr: "10.0.0.1", Bytes: 1500},
		{Worker: 1, State: "disconnected", Bytes: 20},
		{Worker: 2, State: "disconnected"},
	}
	if len(v.Slots) != len(want) {
		t.Fatalf("slots = %+v, want %+v", v.Slots, want)
	}
	for i := range want {
		if v.Slots[i] != want[i] {
			t.Errorf("slot %d = %+v, want %+v", i, v.Slots[i], want[i])
		}
	}
}

func TestRenderer_JSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, false, &buf)
	if err := r.Render(NewStatsView(sampleSnapshot())); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	var got StatsView
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if got.LifetimeConnections != 7 || len(got.Slots) != 3 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestRenderer_YAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, false, &buf)
	if err := r.Render(NewStatsView(sampleSnapshot())); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	for _, want := range []string{"lifetime_connections: 7", "average_throughput_bps: 2.5e+06", "addr: 10.0.0.1"} {
		if !strings.Contains(got, want) {
			t.Errorf("YAML output missing %q:\n%s", want, got)
		}
	}
}

func TestRenderer_Table(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	if err := r.Render(NewStatsView(sampleSnapshot())); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	for _, want := range []string{
		"lifetime connections:  7",
		"lifetime data:",
		"1.5 kB",
		"2.5 MB/s",
		"WORKER",
		"10.0.0.1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("table output missing %q:\n%s", want, got)
		}
	}
}

func TestRenderer_TableEmptySlots(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	if err := r.Render(NewStatsView(types.StateSnapshot{})); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "(no results)") {
		t.Errorf("expected (no results):\n%s", buf.String())
	}
}

func TestRenderer_KeyValuesFallback(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	data := map[string]any{"version": "1.0.0", "commit": "abc"}
	if err := r.Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if strings.Index(got, "commit") > strings.Index(got, "version") {
		t.Errorf("keys should be sorted:\n%s", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1.0 kB"},
		{1500, "1.5 kB"},
		{2500000, "2.5 MB"},
		{3_000_000_000, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
