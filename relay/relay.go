// Package relay forwards signed envelopes between two isolated contexts.
//
// A Relay sits between a local Transport (the context it serves) and a
// remote Transport (its counterpart). Messages without the protocol
// signature are dropped. Remote-to-local traffic is always forwarded;
// local-to-remote traffic can be gated on the counterpart being reachable.
// Nothing is queued: a message that cannot be delivered is dropped.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/metrics"
	"github.com/lanternwidget/statebus/types"
)

// Transport is one side of a message channel.
type Transport interface {
	// Send delivers msg to the other end without waiting for a reply.
	Send(ctx context.Context, msg []byte) error
	// OnReceive registers a handler for inbound messages.
	OnReceive(fn func(msg []byte))
}

// PortWatcher is implemented by transports that know whether the other
// end is currently connected.
type PortWatcher interface {
	OnPort(fn func(open bool))
}

// Options selects a relay role.
type Options struct {
	// Announce sends popupOpened to the remote on Bind.
	Announce bool
	// GateLocal forwards local-to-remote only while the remote is reachable.
	GateLocal bool
	// Observe is called with every envelope forwarded remote-to-local.
	Observe func(env *types.Envelope)
}

// Popup is the short-lived UI context talking to the headless context.
func Popup() Options { return Options{Announce: true} }

// Offscreen is the headless context. It only talks to a popup that is open.
func Offscreen() Options { return Options{GateLocal: true} }

// Frame is the page-to-storage-frame bridge. Both directions are open.
func Frame() Options { return Options{} }

// Background is the long-lived coordinator between offscreen and popup.
func Background() Options { return Options{} }

// ErrAlreadyBound is returned by a second Bind.
var ErrAlreadyBound = errors.New("relay already bound")

// Relay forwards envelopes between a local and a remote transport.
type Relay struct {
	name      string
	local     Transport
	remote    Transport
	opts      Options
	logger    *log.Logger
	collector *metrics.Collector

	reachable atomic.Bool
	bound     atomic.Bool

	mu  sync.RWMutex
	ctx context.Context
}

// New creates an unbound Relay. logger and collector may be nil.
func New(name string, local, remote Transport, opts Options, logger *log.Logger, collector *metrics.Collector) *Relay {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Relay{
		name:      name,
		local:     local,
		remote:    remote,
		opts:      opts,
		logger:    logger.Named("relay." + name),
		collector: collector,
		ctx:       context.Background(),
	}
}

// Bind registers the relay's handlers. ctx bounds every forward the relay
// makes afterwards.
func (r *Relay) Bind(ctx context.Context) error {
	if !r.bound.CompareAndSwap(false, true) {
		return ErrAlreadyBound
	}
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	if pw, ok := r.remote.(PortWatcher); ok {
		pw.OnPort(r.setReachable)
	}
	r.local.OnReceive(r.fromLocal)
	r.remote.OnReceive(r.fromRemote)

	if r.opts.Announce {
		msg, err := types.NewEnvelope(types.MessageTypePopupOpened, nil).Encode()
		if err != nil {
			return err
		}
		r.send(r.remote, "remote", msg)
	}
	r.logger.Debug("relay bound", map[string]any{
		"announce":   r.opts.Announce,
		"gate_local": r.opts.GateLocal,
	})
	return nil
}

// Reachable reports whether the remote counterpart is known to be open.
func (r *Relay) Reachable() bool {
	return r.reachable.Load()
}

func (r *Relay) setReachable(open bool) {
	if r.reachable.Swap(open) != open {
		r.logger.Debug("reachability changed", map[string]any{"reachable": open})
	}
}

func (r *Relay) fromLocal(msg []byte) {
	env, ok := r.accept(msg)
	if !ok {
		return
	}
	if r.opts.GateLocal && !r.reachable.Load() {
		r.collector.IncDroppedUnreachable()
		r.logger.Debug("remote unreachable, dropping", map[string]any{"type": string(env.Type)})
		return
	}
	r.send(r.remote, "remote", msg)
}

func (r *Relay) fromRemote(msg []byte) {
	env, ok := r.accept(msg)
	if !ok {
		return
	}
	if r.opts.Observe != nil {
		r.opts.Observe(env)
	}
	r.send(r.local, "local", msg)
}

// accept validates msg and consumes presence announcements. It reports
// whether msg should be forwarded.
func (r *Relay) accept(msg []byte) (*types.Envelope, bool) {
	env, err := types.DecodeEnvelope(msg)
	if err != nil {
		r.collector.IncDroppedUnsigned()
		return nil, false
	}
	if env.Type == types.MessageTypePopupOpened {
		r.setReachable(true)
		return env, false
	}
	return env, true
}

func (r *Relay) send(t Transport, side string, msg []byte) {
	r.mu.RLock()
	ctx := r.ctx
	r.mu.RUnlock()

	if err := t.Send(ctx, msg); err != nil {
		r.collector.IncSendFailure()
		r.logger.Debug("forward failed", map[string]any{"to": side, "error": err})
		return
	}
	r.collector.IncForwarded()
}
