package broadcast

import (
	"context"
	"sync"

	"github.com/lanternwidget/statebus/aggregator"
	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/relay"
	"github.com/lanternwidget/statebus/types"
)

// Mirror is a read-only replica of the headless context's emitters.
type Mirror struct {
	transport relay.Transport
	emitters  *aggregator.Emitters
	logger    *log.Logger

	hydrated     chan struct{}
	hydratedOnce sync.Once
}

// NewMirror creates a Mirror with a fresh replica.
func NewMirror(transport relay.Transport, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Mirror{
		transport: transport,
		emitters:  aggregator.NewEmitters(),
		logger:    logger.Named("broadcast.mirror"),
		hydrated:  make(chan struct{}),
	}
}

// Emitters returns the replica. Subscribe to it; do not update it.
func (m *Mirror) Emitters() *aggregator.Emitters {
	return m.emitters
}

// Hydrated is closed once the replica has received ready, which a full
// resend delivers last.
func (m *Mirror) Hydrated() <-chan struct{} {
	return m.hydrated
}

// Bind starts applying updates and asks for a full resend.
func (m *Mirror) Bind(ctx context.Context) error {
	m.transport.OnReceive(m.handle)
	return m.request(ctx, types.MessageTypeHydrateState)
}

// RequestStart asks the headless context to start sharing.
func (m *Mirror) RequestStart(ctx context.Context) error {
	return m.request(ctx, types.MessageTypeWasmStart)
}

// RequestStop asks the headless context to stop sharing.
func (m *Mirror) RequestStop(ctx context.Context) error {
	return m.request(ctx, types.MessageTypeWasmStop)
}

func (m *Mirror) request(ctx context.Context, t types.MessageType) error {
	msg, err := types.NewEnvelope(t, nil).Encode()
	if err != nil {
		return err
	}
	return m.transport.Send(ctx, msg)
}

func (m *Mirror) handle(msg []byte) {
	env, err := types.DecodeEnvelope(msg)
	if err != nil || env.Type != types.MessageTypeStateUpdate {
		return
	}
	name, _ := env.Data["emitter"].(string)
	if _, err := m.emitters.Apply(name, env.Data["value"]); err != nil {
		m.logger.Warn("ignoring stateUpdate", map[string]any{"emitter": name, "error": err})
		return
	}
	if name == aggregator.NameReady {
		m.hydratedOnce.Do(func() { close(m.hydrated) })
	}
}
