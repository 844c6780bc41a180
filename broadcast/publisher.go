// Package broadcast keeps popup contexts in step with the headless context.
//
// The Publisher runs next to the aggregator. It sends every emitter change
// as stateUpdate{emitter, value}, resends everything on hydrateState, and
// turns wasmStart and wasmStop into controller calls. The Mirror runs in a
// popup and applies those updates to a local replica of the emitters.
package broadcast

import (
	"context"
	"sync"

	"github.com/lanternwidget/statebus/aggregator"
	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/metrics"
	"github.com/lanternwidget/statebus/relay"
	"github.com/lanternwidget/statebus/types"
)

// Controller starts and stops sharing. *aggregator.Aggregator satisfies it.
type Controller interface {
	Start()
	Stop()
}

// Publisher broadcasts emitter state from the headless context.
type Publisher struct {
	transport  relay.Transport
	emitters   *aggregator.Emitters
	controller Controller
	logger     *log.Logger
	collector  *metrics.Collector

	mu    sync.RWMutex
	ctx   context.Context
	unsub func()
}

// NewPublisher creates a Publisher. controller may be nil, in which case
// wasmStart and wasmStop are ignored.
func NewPublisher(transport relay.Transport, emitters *aggregator.Emitters, controller Controller, logger *log.Logger, collector *metrics.Collector) *Publisher {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Publisher{
		transport:  transport,
		emitters:   emitters,
		controller: controller,
		logger:     logger.Named("broadcast.publisher"),
		collector:  collector,
		ctx:        context.Background(),
	}
}

// Bind subscribes to all emitters and starts handling requests.
func (p *Publisher) Bind(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.unsub = p.emitters.SubscribeAll(func(name string, value any) {
		p.send(name, value)
	})
	p.mu.Unlock()
	p.transport.OnReceive(p.handle)
}

// Hydrate sends the current value of every emitter.
func (p *Publisher) Hydrate() {
	for _, name := range aggregator.Names {
		v, _ := p.emitters.Value(name)
		p.send(name, v)
	}
}

// Close stops broadcasting.
func (p *Publisher) Close() error {
	p.mu.Lock()
	unsub := p.unsub
	p.unsub = nil
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return nil
}

func (p *Publisher) handle(msg []byte) {
	env, err := types.DecodeEnvelope(msg)
	if err != nil {
		return
	}
	switch env.Type {
	case types.MessageTypeHydrateState:
		p.Hydrate()
	case types.MessageTypeWasmStart:
		if p.controller != nil {
			p.controller.Start()
		}
	case types.MessageTypeWasmStop:
		if p.controller != nil {
			p.controller.Stop()
		}
	}
}

func (p *Publisher) send(name string, value any) {
	msg, err := types.NewEnvelope(types.MessageTypeStateUpdate, map[string]any{
		"emitter": name,
		"value":   value,
	}).Encode()
	if err != nil {
		p.logger.Error("encode stateUpdate failed", map[string]any{"emitter": name, "error": err})
		return
	}

	p.mu.RLock()
	ctx := p.ctx
	p.mu.RUnlock()
	if err := p.transport.Send(ctx, msg); err != nil {
		p.collector.IncSendFailure()
		p.logger.Debug("stateUpdate dropped", map[string]any{"emitter": name, "error": err})
	}
}
