package client

import (
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/lanternwidget/statebus/ipc"
	"github.com/lanternwidget/statebus/metrics"
	"github.com/lanternwidget/statebus/types"
)

func fastMock() MockOptions {
	return MockOptions{
		Slots:         2,
		Tick:          2 * time.Millisecond,
		ConnectEvery:  2,
		DrainSamples:  3,
		DrainInterval: time.Millisecond,
		ReadyDelay:    5 * time.Millisecond,
		Rand:          rand.New(rand.NewPCG(1, 2)),
	}
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestEventKinds(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Ready{}, "ready"},
		{Chunk{}, "downstreamChunk"},
		{Throughput{}, "downstreamThroughput"},
		{ConnectionChange{}, "consumerConnectionChange"},
	}
	for _, tt := range tests {
		if got := tt.ev.Kind(); got != tt.want {
			t.Errorf("%T.Kind() = %q, want %q", tt.ev, got, tt.want)
		}
	}
}

func TestMock_ReadyOnConstruction(t *testing.T) {
	m := NewMock(fastMock())
	defer m.Close()

	if _, ok := next(t, m.Events()).(Ready); !ok {
		t.Fatal("first event should be Ready")
	}
}

func TestMock_TrafficShape(t *testing.T) {
	m := NewMock(fastMock())
	defer m.Close()
	next(t, m.Events()) // ready

	m.Start()

	connected := 0
	var tickSum int64
	for connected < 2 {
		switch ev := next(t, m.Events()).(type) {
		case Chunk:
			if ev.WorkerIdx >= connected {
				t.Fatalf("chunk for slot %d with only %d connected", ev.WorkerIdx, connected)
			}
			if ev.Size < 0 || ev.Size > 1_000_000 {
				t.Fatalf("chunk size %d out of range", ev.Size)
			}
			tickSum += ev.Size
		case Throughput:
			if ev.BytesPerSec != float64(tickSum) {
				t.Fatalf("throughput = %v, want chunk sum %d", ev.BytesPerSec, tickSum)
			}
			tickSum = 0
		case ConnectionChange:
			if ev.State != types.Connected || ev.WorkerIdx != connected {
				t.Fatalf("connection = %+v, want slot %d connected", ev.Connection, connected)
			}
			if ev.Addr != MockAddrs[connected] {
				t.Errorf("addr = %q, want %q", ev.Addr, MockAddrs[connected])
			}
			connected++
		default:
			t.Fatalf("unexpected %T", ev)
		}
	}
}

func TestMock_StopHandshake(t *testing.T) {
	opts := fastMock()
	m := NewMock(opts)
	defer m.Close()
	next(t, m.Events()) // ready

	m.Start()
	for {
		if _, ok := next(t, m.Events()).(ConnectionChange); ok {
			break
		}
	}
	m.Stop()

	disconnected := map[int]bool{}
	zeros := 0
	for {
		ev := next(t, m.Events())
		if _, ok := ev.(Ready); ok {
			break
		}
		switch ev := ev.(type) {
		case ConnectionChange:
			if ev.State == types.Disconnected {
				disconnected[ev.WorkerIdx] = true
			}
		case Throughput:
			if ev.BytesPerSec == 0 {
				zeros++
			}
		}
	}

	if len(disconnected) != opts.Slots {
		t.Errorf("disconnected slots = %d, want %d", len(disconnected), opts.Slots)
	}
	if zeros < opts.DrainSamples {
		t.Errorf("zero samples = %d, want at least %d", zeros, opts.DrainSamples)
	}
}

func TestMock_CloseEndsStream(t *testing.T) {
	m := NewMock(fastMock())
	m.Start()
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-m.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed")
		}
	}
}

func TestMeter_Tick(t *testing.T) {
	m := NewMeter(4)
	var samples []float64
	emit := func(v float64) { samples = append(samples, v) }

	m.Add(100)
	m.Tick(0, emit) // window boundary: reports then resets
	m.Add(10)
	m.Tick(1, emit)
	m.Add(10)
	m.Tick(2, emit)
	m.Tick(3, emit)
	m.Tick(4, emit) // boundary again
	m.Tick(5, emit)

	want := []float64{100, 10, 20, 20, 20, 0}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample[%d] = %v, want %v", i, samples[i], want[i])
		}
	}
	if m.Interval() != 250*time.Millisecond {
		t.Errorf("Interval = %v, want 250ms", m.Interval())
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in          string
		wantNetwork string
		wantAddr    string
		wantErr     bool
	}{
		{"127.0.0.1:9000", "tcp", "127.0.0.1:9000", false},
		{"tcp://engine:9000", "tcp", "engine:9000", false},
		{"unix:///run/engine.sock", "unix", "/run/engine.sock", false},
		{"", "", "", true},
		{"unix://", "", "", true},
		{"http://engine", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			network, addr, err := ParseAddress(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if network != tt.wantNetwork || addr != tt.wantAddr {
				t.Errorf("got (%q, %q), want (%q, %q)", network, addr, tt.wantNetwork, tt.wantAddr)
			}
		})
	}
}

func TestIPC_EventsAndCommands(t *testing.T) {
	engine, conn := net.Pipe()
	collector := metrics.NewCollector("ipc", "memory", "")
	c := NewIPC(conn, IPCOptions{Collector: collector})
	defer c.Close()

	enc := ipc.NewFrameEncoder(engine)
	go func() {
		_ = enc.WriteFrame(KindReady, nil)
		_, _ = engine.Write([]byte{0, 0, 0, 1, 0xc1}) // undecodable, skipped
		_ = enc.WriteFrame(KindConnectionChange, types.Connection{State: types.Connected, WorkerIdx: 2, Addr: "152.206.0.0"})
		_ = enc.WriteFrame(KindChunk, types.Chunk{Size: 512, WorkerIdx: 2})
		_ = enc.WriteFrame(KindThroughput, types.Throughput{BytesPerSec: 2048})
	}()

	if _, ok := next(t, c.Events()).(Ready); !ok {
		t.Fatal("want Ready")
	}
	cc, ok := next(t, c.Events()).(ConnectionChange)
	if !ok || cc.WorkerIdx != 2 || cc.State != types.Connected {
		t.Fatalf("want slot 2 connected, got %+v", cc)
	}
	if got := collector.Snapshot().IPCDecodeErrors; got != 1 {
		t.Errorf("IPCDecodeErrors = %d, want 1", got)
	}
	if ch, ok := next(t, c.Events()).(Chunk); !ok || ch.Size != 512 {
		t.Fatalf("want 512-byte chunk, got %+v", ch)
	}
	if tp, ok := next(t, c.Events()).(Throughput); !ok || tp.BytesPerSec != 2048 {
		t.Fatalf("want 2048 B/s, got %+v", tp)
	}

	cmds := make(chan string, 1)
	go func() {
		payload, err := ipc.NewFrameDecoder(engine).ReadFrame()
		if err != nil {
			cmds <- err.Error()
			return
		}
		f, err := ipc.DecodeFrame(payload)
		if err != nil {
			cmds <- err.Error()
			return
		}
		cmds <- f.Type
	}()
	c.Start()
	select {
	case got := <-cmds:
		if got != ipc.CommandStart {
			t.Errorf("command = %q, want %q", got, ipc.CommandStart)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine never received start")
	}
}

func TestIPC_DeriveThroughput(t *testing.T) {
	engine, conn := net.Pipe()
	c := NewIPC(conn, IPCOptions{DeriveThroughput: true, RefreshHz: 100})
	defer c.Close()

	enc := ipc.NewFrameEncoder(engine)
	go func() {
		_ = enc.WriteFrame(KindThroughput, types.Throughput{BytesPerSec: 999})
		_ = enc.WriteFrame(KindChunk, types.Chunk{Size: 64, WorkerIdx: 0})
	}()

	sawChunk, sawSample := false, false
	for !sawChunk || !sawSample {
		switch ev := next(t, c.Events()).(type) {
		case Chunk:
			sawChunk = true
		case Throughput:
			if ev.BytesPerSec == 999 {
				t.Fatal("engine throughput should be ignored when derived")
			}
			sawSample = true
		}
	}
}

func TestIPC_EOFClosesStream(t *testing.T) {
	engine, conn := net.Pipe()
	c := NewIPC(conn, IPCOptions{})
	defer c.Close()

	_ = engine.Close()

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after EOF")
	}
}
