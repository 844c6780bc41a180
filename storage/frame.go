package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/metrics"
	"github.com/lanternwidget/statebus/relay"
	"github.com/lanternwidget/statebus/types"
)

// Frame is the storage context. It owns the Store and serves it over the
// relay protocol:
//
//	storageGet {key}        -> replies storageGet {<key>: value}, "" when missing
//	storageSet {key, value} -> persists value as a string
type Frame struct {
	store     Store
	transport relay.Transport
	logger    *log.Logger
	collector *metrics.Collector

	mu  sync.RWMutex
	ctx context.Context
}

// NewFrame creates a Frame over store, answering on transport.
func NewFrame(store Store, transport relay.Transport, logger *log.Logger, collector *metrics.Collector) *Frame {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Frame{
		store:     store,
		transport: transport,
		logger:    logger.Named("storage.frame"),
		collector: collector,
		ctx:       context.Background(),
	}
}

// Bind starts serving. ctx bounds store calls and replies.
func (f *Frame) Bind(ctx context.Context) {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()
	f.transport.OnReceive(f.handle)
}

func (f *Frame) context() context.Context {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ctx
}

func (f *Frame) handle(msg []byte) {
	env, err := types.DecodeEnvelope(msg)
	if err != nil {
		return
	}
	key, ok := env.Data["key"].(string)
	if !ok || key == "" {
		// Replies and malformed requests carry no key.
		return
	}

	ctx := f.context()
	switch env.Type {
	case types.MessageTypeStorageGet:
		f.get(ctx, key)
	case types.MessageTypeStorageSet:
		f.set(ctx, key, env.Data["value"])
	}
}

func (f *Frame) get(ctx context.Context, key string) {
	value, _, err := f.store.Get(ctx, key)
	if err != nil {
		f.collector.IncStorageFailure()
		f.logger.Error("storage read failed", map[string]any{"key": key, "error": err})
		value = ""
	} else {
		f.collector.IncStorageRead()
	}

	reply, err := types.NewEnvelope(types.MessageTypeStorageGet, map[string]any{key: value}).Encode()
	if err != nil {
		f.logger.Error("encode storage reply failed", map[string]any{"key": key, "error": err})
		return
	}
	if err := f.transport.Send(ctx, reply); err != nil {
		f.collector.IncSendFailure()
		f.logger.Debug("storage reply dropped", map[string]any{"key": key, "error": err})
	}
}

func (f *Frame) set(ctx context.Context, key string, raw any) {
	value, err := formatValue(raw)
	if err != nil {
		f.logger.Warn("ignoring storageSet", map[string]any{"key": key, "error": err})
		return
	}
	if err := f.store.Set(ctx, key, value); err != nil {
		f.collector.IncStorageFailure()
		f.logger.Error("storage write failed", map[string]any{"key": key, "error": err})
		return
	}
	f.collector.IncStorageWrite()
}

// formatValue renders a decoded JSON value the way it is persisted:
// strings verbatim, numbers as decimal strings.
func formatValue(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", fmt.Errorf("missing value")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
