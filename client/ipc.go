package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/lanternwidget/statebus/ipc"
	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/metrics"
	"github.com/lanternwidget/statebus/types"
)

// IPCOptions configures an engine connection.
type IPCOptions struct {
	// Address is "unix:///path/to.sock", "tcp://host:port" or "host:port".
	Address string
	// DeriveThroughput ignores engine throughput frames and computes
	// samples from chunk sizes with a Meter instead.
	DeriveThroughput bool
	// RefreshHz is the Meter sample rate when DeriveThroughput is set.
	RefreshHz int
	// Buffer is the event channel capacity (default 256).
	Buffer int

	Logger    *log.Logger
	Collector *metrics.Collector
}

// ParseAddress splits an engine address into a net.Dial network and address.
func ParseAddress(address string) (network, addr string, err error) {
	if address == "" {
		return "", "", errors.New("engine address is empty")
	}
	scheme, rest, ok := strings.Cut(address, "://")
	if !ok {
		return "tcp", address, nil
	}
	switch scheme {
	case "unix", "tcp":
		if rest == "" {
			return "", "", fmt.Errorf("engine address %q has no target", address)
		}
		return scheme, rest, nil
	default:
		return "", "", fmt.Errorf("unsupported engine address scheme %q", scheme)
	}
}

// IPC is a Client backed by an engine process.
type IPC struct {
	conn      io.ReadWriteCloser
	encoder   *ipc.FrameEncoder
	events    chan Event
	meter     *Meter
	derive    bool
	logger    *log.Logger
	collector *metrics.Collector

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// DialIPC connects to the engine at opts.Address.
func DialIPC(ctx context.Context, opts IPCOptions) (*IPC, error) {
	network, addr, err := ParseAddress(opts.Address)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial engine %s: %w", opts.Address, err)
	}
	return NewIPC(conn, opts), nil
}

// NewIPC wraps an established engine connection and starts reading from it.
func NewIPC(conn io.ReadWriteCloser, opts IPCOptions) *IPC {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &IPC{
		conn:      conn,
		encoder:   ipc.NewFrameEncoder(conn),
		events:    make(chan Event, opts.Buffer),
		derive:    opts.DeriveThroughput,
		logger:    logger.Named("engine"),
		collector: opts.Collector,
		cancel:    cancel,
	}

	c.wg.Add(1)
	go c.readLoop(ctx)

	if c.derive {
		c.meter = NewMeter(opts.RefreshHz)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.meter.Run(ctx, func(bps float64) {
				c.emit(ctx, Throughput{types.Throughput{BytesPerSec: bps}})
			})
		}()
	}

	go func() {
		c.wg.Wait()
		close(c.events)
	}()
	return c
}

// Events returns the event stream. It closes when the connection ends.
func (c *IPC) Events() <-chan Event {
	return c.events
}

// Start sends the start command.
func (c *IPC) Start() {
	c.command(ipc.CommandStart)
}

// Stop sends the stop command.
func (c *IPC) Stop() {
	c.command(ipc.CommandStop)
}

// Close terminates the connection.
func (c *IPC) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

func (c *IPC) command(typ string) {
	if err := c.encoder.WriteFrame(typ, nil); err != nil {
		c.collector.IncSendFailure()
		c.logger.Warn("engine command failed", map[string]any{
			"command": typ,
			"error":   err,
		})
	}
}

func (c *IPC) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.cancel()

	dec := ipc.NewFrameDecoder(c.conn)
	for {
		payload, err := dec.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), ctx.Err() != nil:
				c.logger.Debug("engine stream closed", nil)
			default:
				c.logger.Error("engine stream failed", map[string]any{"error": err})
			}
			return
		}

		ev, err := c.decode(payload)
		if err != nil {
			c.collector.IncIPCDecodeErrors()
			c.logger.Warn("skipping engine frame", map[string]any{"error": err})
			continue
		}
		if ev == nil {
			continue
		}
		if !c.emit(ctx, ev) {
			return
		}
	}
}

// decode maps a frame to an Event. A nil Event with nil error means the
// frame is intentionally ignored.
func (c *IPC) decode(payload []byte) (Event, error) {
	f, err := ipc.DecodeFrame(payload)
	if err != nil {
		return nil, err
	}

	switch f.Type {
	case KindReady:
		return Ready{}, nil
	case KindChunk:
		var ch types.Chunk
		if err := f.DecodePayload(&ch); err != nil {
			return nil, err
		}
		if c.meter != nil {
			c.meter.Add(ch.Size)
		}
		return Chunk{ch}, nil
	case KindThroughput:
		if c.derive {
			return nil, nil
		}
		var tp types.Throughput
		if err := f.DecodePayload(&tp); err != nil {
			return nil, err
		}
		return Throughput{tp}, nil
	case KindConnectionChange:
		var conn types.Connection
		if err := f.DecodePayload(&conn); err != nil {
			return nil, err
		}
		return ConnectionChange{conn}, nil
	default:
		return nil, &ipc.FrameError{Kind: ipc.FrameErrorDecode, Msg: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
}

func (c *IPC) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ Client = (*IPC)(nil)
