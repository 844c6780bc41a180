package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lanternwidget/statebus/aggregator"
	"github.com/lanternwidget/statebus/broadcast"
	"github.com/lanternwidget/statebus/emitter"
	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/relay"
	"github.com/lanternwidget/statebus/types"
	"github.com/lanternwidget/statebus/wsbridge"
)

const defaultPopupTimeout = 5 * time.Second

// popup is a CLI process acting as the UI context: a websocket session to
// the daemon, a popup relay, and a Mirror of the daemon's emitters.
type popup struct {
	conn   *wsbridge.Conn
	local  *relay.PipeEnd
	mirror *broadcast.Mirror
	pipe   *relay.PipeEnd

	// sharing follows sharing updates as the relay receives them, ahead of
	// the Mirror.
	sharing *emitter.Emitter[bool]
}

// dialPopup connects to the daemon at addr and asks for a full resend.
func dialPopup(ctx context.Context, addr string, logger *log.Logger) (*popup, error) {
	conn, err := wsbridge.Dial(ctx, "ws://"+addr+"/ws", logger)
	if err != nil {
		return nil, err
	}

	local, mirrorEnd := relay.NewPipe(relay.DefaultPipeBuffer)
	p := &popup{
		conn:    conn,
		local:   local,
		pipe:    mirrorEnd,
		mirror:  broadcast.NewMirror(mirrorEnd, logger),
		sharing: emitter.New(false),
	}

	opts := relay.Popup()
	opts.Observe = p.observe
	r := relay.New("popup", local, conn, opts, logger, nil)
	if err := r.Bind(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := p.mirror.Bind(ctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("request hydration: %w", err)
	}
	return p, nil
}

// waitHydrated blocks until the replica holds the daemon's values.
func (p *popup) waitHydrated(ctx context.Context) error {
	select {
	case <-p.mirror.Hydrated():
		return nil
	case <-p.conn.Done():
		return errors.New("daemon closed the session")
	case <-ctx.Done():
		return fmt.Errorf("waiting for daemon state: %w", ctx.Err())
	}
}

// observe records sharing updates on their way to the Mirror.
func (p *popup) observe(env *types.Envelope) {
	if env.Type != types.MessageTypeStateUpdate || env.Data["emitter"] != aggregator.NameSharing {
		return
	}
	if v, ok := env.Data["value"].(bool); ok {
		p.sharing.Update(v)
	}
}

// waitSharing blocks until the daemon reports sharing equal to want.
func (p *popup) waitSharing(ctx context.Context, want bool) error {
	changed := make(chan struct{}, 1)
	sub := p.sharing.Subscribe(func(bool) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer p.sharing.Unsubscribe(sub)

	for p.sharing.Value() != want {
		select {
		case <-changed:
		case <-p.conn.Done():
			return errors.New("daemon closed the session")
		case <-ctx.Done():
			return fmt.Errorf("waiting for sharing=%t: %w", want, ctx.Err())
		}
	}
	return nil
}

// Close flushes queued requests and ends the session.
func (p *popup) Close() error {
	_ = p.local.Close()
	_ = p.pipe.Close()
	return p.conn.Close()
}
