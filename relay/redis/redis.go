// Package redis implements a relay transport over Redis pub/sub.
//
// It links the headless offscreen context and the background coordinator
// when they run as separate processes. Each side publishes on its peer's
// channel and subscribes to its own. The peer counts as open while it has
// at least one subscriber on its channel.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/relay"
)

// Role selects which channel a transport listens on.
type Role string

// Roles.
const (
	RoleOffscreen  Role = "offscreen"
	RoleBackground Role = "background"
)

// DefaultPrefix is the default channel prefix.
const DefaultPrefix = "statebus"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultPresenceInterval is how often peer presence is polled.
const DefaultPresenceInterval = time.Second

// Config configures the transport.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Prefix namespaces the channels (default: statebus).
	Prefix string
	// Role is this side of the link (required).
	Role Role
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// PresenceInterval is the peer presence poll period (default 1s).
	PresenceInterval time.Duration
}

// Channel returns the channel a role listens on.
func Channel(prefix string, role Role) string {
	return prefix + ":" + string(role)
}

func (r Role) peer() Role {
	if r == RoleOffscreen {
		return RoleBackground
	}
	return RoleOffscreen
}

// Transport is a relay.Transport and relay.PortWatcher backed by Redis.
type Transport struct {
	config   Config
	client   *goredis.Client
	pubsub   *goredis.PubSub
	inbound  string
	outbound string
	logger   *log.Logger

	mu       sync.RWMutex
	handlers []func([]byte)
	watchers []func(bool)
	open     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects, subscribes to this role's channel and starts delivery.
func New(ctx context.Context, cfg Config, logger *log.Logger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis transport requires a URL")
	}
	if cfg.Role != RoleOffscreen && cfg.Role != RoleBackground {
		return nil, fmt.Errorf("redis transport: invalid role %q", cfg.Role)
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis transport: invalid URL: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = DefaultPresenceInterval
	}
	if logger == nil {
		logger = log.NewNop()
	}

	client := goredis.NewClient(opts)
	inbound := Channel(cfg.Prefix, cfg.Role)
	pubsub := client.Subscribe(ctx, inbound)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("redis transport: subscribe %s: %w", inbound, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		config:   cfg,
		client:   client,
		pubsub:   pubsub,
		inbound:  inbound,
		outbound: Channel(cfg.Prefix, cfg.Role.peer()),
		logger:   logger.Named("redis"),
		cancel:   cancel,
	}

	t.wg.Add(2)
	go t.receive()
	go t.watchPresence(runCtx)
	return t, nil
}

// Send publishes msg on the peer's channel.
func (t *Transport) Send(ctx context.Context, msg []byte) error {
	publishCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()
	if err := t.client.Publish(publishCtx, t.outbound, msg).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", t.outbound, err)
	}
	return nil
}

// OnReceive registers a handler for messages on this role's channel.
func (t *Transport) OnReceive(fn func(msg []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, fn)
}

// OnPort registers a presence watcher. It is called with the current state
// right away and again on every change.
func (t *Transport) OnPort(fn func(open bool)) {
	t.mu.Lock()
	t.watchers = append(t.watchers, fn)
	open := t.open
	t.mu.Unlock()
	fn(open)
}

// Close unsubscribes and releases the connection.
func (t *Transport) Close() error {
	t.cancel()
	err := t.pubsub.Close()
	t.wg.Wait()
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *Transport) receive() {
	defer t.wg.Done()
	for m := range t.pubsub.Channel() {
		t.mu.RLock()
		handlers := t.handlers
		t.mu.RUnlock()
		for _, fn := range handlers {
			fn([]byte(m.Payload))
		}
	}
}

func (t *Transport) watchPresence(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.config.PresenceInterval)
	defer ticker.Stop()

	for {
		t.pollPresence(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Transport) pollPresence(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	counts, err := t.client.PubSubNumSub(pollCtx, t.outbound).Result()
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Debug("presence poll failed", map[string]any{"error": err})
		}
		return
	}
	open := counts[t.outbound] > 0

	t.mu.Lock()
	changed := open != t.open
	t.open = open
	watchers := t.watchers
	t.mu.Unlock()

	if changed {
		for _, fn := range watchers {
			fn(open)
		}
	}
}

var (
	_ relay.Transport   = (*Transport)(nil)
	_ relay.PortWatcher = (*Transport)(nil)
)
