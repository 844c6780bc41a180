package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lanternwidget/statebus/aggregator"
	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/metrics"
	"github.com/lanternwidget/statebus/relay"
	"github.com/lanternwidget/statebus/types"
)

// Merger absorbs stored history. *aggregator.Aggregator satisfies it.
type Merger interface {
	OnChunk(c types.Chunk)
	AddLifetimeConnections(n int64)
}

// Bridge is the page side of storage sync.
//
// Load asks the Frame for both keys. Each reply is merged once: stored
// connections are added to the live counter and stored chunks are replayed
// as if they had just arrived. Once its key has been merged, the merged
// value is written back, and so is every later change to the matching
// emitter. Nothing is read again.
type Bridge struct {
	transport relay.Transport
	merger    Merger
	emitters  *aggregator.Emitters
	logger    *log.Logger
	collector *metrics.Collector

	syncedConnections atomic.Bool
	syncedChunks      atomic.Bool

	mu     sync.RWMutex
	ctx    context.Context
	unsubs []func()
}

// NewBridge creates a Bridge.
func NewBridge(transport relay.Transport, merger Merger, emitters *aggregator.Emitters, logger *log.Logger, collector *metrics.Collector) *Bridge {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Bridge{
		transport: transport,
		merger:    merger,
		emitters:  emitters,
		logger:    logger.Named("storage.bridge"),
		collector: collector,
		ctx:       context.Background(),
	}
}

// Bind registers for replies and emitter changes.
func (b *Bridge) Bind(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	conns := b.emitters.LifetimeConnections
	connSub := conns.Subscribe(func(v int64) { b.write(KeyLifetimeConnections, v, &b.syncedConnections) })
	chunks := b.emitters.LifetimeChunks
	chunkSub := chunks.Subscribe(b.writeChunks)
	b.unsubs = append(b.unsubs,
		func() { conns.Unsubscribe(connSub) },
		func() { chunks.Unsubscribe(chunkSub) },
	)
	b.mu.Unlock()
	b.transport.OnReceive(b.handle)
}

// Load requests the stored values, chunks first.
func (b *Bridge) Load(ctx context.Context) error {
	for _, key := range []string{KeyLifetimeChunks, KeyLifetimeConnections} {
		msg, err := types.NewEnvelope(types.MessageTypeStorageGet, map[string]any{"key": key}).Encode()
		if err != nil {
			return err
		}
		if err := b.transport.Send(ctx, msg); err != nil {
			return fmt.Errorf("request %s: %w", key, err)
		}
	}
	return nil
}

// Synced reports whether key has been merged.
func (b *Bridge) Synced(key string) bool {
	switch key {
	case KeyLifetimeConnections:
		return b.syncedConnections.Load()
	case KeyLifetimeChunks:
		return b.syncedChunks.Load()
	default:
		return false
	}
}

// Close stops writing changes back.
func (b *Bridge) Close() error {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	return nil
}

func (b *Bridge) handle(msg []byte) {
	env, err := types.DecodeEnvelope(msg)
	if err != nil || env.Type != types.MessageTypeStorageGet {
		return
	}
	if raw, ok := env.Data[KeyLifetimeConnections]; ok {
		n := parseCount(raw)
		b.merger.AddLifetimeConnections(n)
		b.syncedConnections.Store(true)
		b.logger.Debug("merged stored connections", map[string]any{"count": n})
		b.write(KeyLifetimeConnections, b.emitters.LifetimeConnections.Value(), &b.syncedConnections)
	}
	if raw, ok := env.Data[KeyLifetimeChunks]; ok {
		chunks := b.parseChunks(raw)
		for _, c := range chunks {
			b.merger.OnChunk(c)
		}
		b.syncedChunks.Store(true)
		b.logger.Debug("merged stored chunks", map[string]any{"slots": len(chunks)})
		b.writeChunks(b.emitters.LifetimeChunks.Value())
	}
}

func (b *Bridge) write(key string, value any, synced *atomic.Bool) {
	if !synced.Load() {
		return
	}
	msg, err := types.NewEnvelope(types.MessageTypeStorageSet, map[string]any{"key": key, "value": value}).Encode()
	if err != nil {
		b.logger.Error("encode storageSet failed", map[string]any{"key": key, "error": err})
		return
	}
	b.mu.RLock()
	ctx := b.ctx
	b.mu.RUnlock()
	if err := b.transport.Send(ctx, msg); err != nil {
		b.collector.IncSendFailure()
		b.logger.Debug("storageSet dropped", map[string]any{"key": key, "error": err})
	}
}

func (b *Bridge) writeChunks(v []types.Chunk) {
	if !b.syncedChunks.Load() {
		return
	}
	if v == nil {
		v = []types.Chunk{}
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encode chunks failed", map[string]any{"error": err})
		return
	}
	b.write(KeyLifetimeChunks, string(encoded), &b.syncedChunks)
}

// parseCount reads a stored decimal. Like parseInt it accepts a leading
// integer and treats anything unparseable as zero.
func parseCount(raw any) int64 {
	switch v := raw.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
		return 0
	case float64:
		return int64(v)
	case string:
		s := strings.TrimSpace(v)
		end := 0
		for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
			end++
		}
		n, err := strconv.ParseInt(s[:end], 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// parseChunks decodes the stored JSON array. Malformed input yields an
// empty list.
func (b *Bridge) parseChunks(raw any) []types.Chunk {
	s, ok := raw.(string)
	if !ok {
		var chunks []types.Chunk
		if err := types.DecodeData(raw, &chunks); err != nil {
			b.logger.Error("stored chunks unreadable", map[string]any{"error": err})
			return nil
		}
		return chunks
	}
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var chunks []types.Chunk
	if err := json.Unmarshal([]byte(s), &chunks); err != nil {
		b.logger.Error("stored chunks unreadable", map[string]any{"error": err})
		return nil
	}
	return chunks
}
