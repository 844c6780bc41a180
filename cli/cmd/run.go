package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lanternwidget/statebus/aggregator"
	"github.com/lanternwidget/statebus/broadcast"
	"github.com/lanternwidget/statebus/cli/config"
	"github.com/lanternwidget/statebus/client"
	"github.com/lanternwidget/statebus/iox"
	"github.com/lanternwidget/statebus/log"
	"github.com/lanternwidget/statebus/metrics"
	"github.com/lanternwidget/statebus/relay"
	relayredis "github.com/lanternwidget/statebus/relay/redis"
	"github.com/lanternwidget/statebus/server"
	"github.com/lanternwidget/statebus/storage"
	"github.com/lanternwidget/statebus/wsbridge"
)

// RunCommand returns the run command, the only command that starts a daemon.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the statebus daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to statebus.yaml",
				EnvVars: []string{"STATEBUS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "HTTP listen address (overrides server.listen)",
			},
			&cli.StringFlag{
				Name:  "client",
				Usage: "Engine client: mock or ipc (overrides client.mode)",
			},
			&cli.StringFlag{
				Name:  "client-address",
				Usage: "Engine socket for ipc mode (overrides client.address)",
			},
			&cli.StringFlag{
				Name:  "storage",
				Usage: "Storage backend: memory, file, redis, lode, s3 (overrides storage.backend)",
			},
			&cli.StringFlag{
				Name:  "storage-path",
				Usage: "Storage path (overrides storage.path)",
			},
			&cli.StringFlag{
				Name:  "role",
				Usage: "Relay role: offscreen or background (overrides relay.role)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error (overrides log.level)",
			},
		},
		Action: runAction,
	}
}

// flagOverrides copies explicitly set flags onto the config.
func flagOverrides(c *cli.Context) func(*config.Config) {
	return func(cfg *config.Config) {
		set := func(name string, dst *string) {
			if c.IsSet(name) {
				*dst = c.String(name)
			}
		}
		set("listen", &cfg.Server.Listen)
		set("client", &cfg.Client.Mode)
		set("client-address", &cfg.Client.Address)
		set("storage", &cfg.Storage.Backend)
		set("storage-path", &cfg.Storage.Path)
		set("role", &cfg.Relay.Role)
		set("log-level", &cfg.Log.Level)
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.Resolve(c.String("config"), flagOverrides(c))
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()
	}

	logger, err := log.NewLogger(log.Options{SessionID: cfg.Session, Level: cfg.Log.Level})
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntimeError)
	}
	defer iox.DiscardClose(d)

	logger.Info("daemon starting", map[string]any{
		"role":    cfg.Relay.Role,
		"client":  cfg.Client.Mode,
		"storage": cfg.Storage.Backend,
		"listen":  cfg.Server.Listen,
	})
	if err := d.Run(ctx); err != nil {
		return cli.Exit(err.Error(), exitRuntimeError)
	}
	logger.Info("daemon stopped", nil)
	return nil
}

// daemon is one statebus process. In the offscreen role it owns the
// aggregator, its Publisher and the storage path. In the background role it
// only relays websocket popups to a redis-connected offscreen daemon.
type daemon struct {
	cfg       *config.Config
	logger    *log.Logger
	collector *metrics.Collector
	srv       *server.Server

	// offscreen role
	emitters   *aggregator.Emitters
	agg        *aggregator.Aggregator
	publisher  *broadcast.Publisher
	store      storage.Store
	frame      *storage.Frame
	bridge     *storage.Bridge
	frameRelay *relay.Relay

	// popup side
	main *relay.Relay

	closers iox.Stack
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *log.Logger) (*daemon, error) {
	d := &daemon{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector(cfg.Client.Mode, cfg.Storage.Backend, cfg.Session),
	}

	var err error
	if cfg.Relay.Role == config.RoleBackground {
		err = d.buildBackground(ctx)
	} else {
		err = d.buildOffscreen(ctx)
	}
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) buildOffscreen(ctx context.Context) error {
	cfg := d.cfg

	d.emitters = aggregator.NewEmitters()
	d.agg = aggregator.New(clientFactory(cfg.Client, d.logger, d.collector), d.emitters, d.logger, d.collector)
	d.closers.Push(d.agg.Close)

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	d.store = store
	d.closers.Push(store.Close)

	// bridge <-> frame relay <-> frame
	bridgeEnd, frameLocal := d.pipe()
	frameRemote, storeEnd := d.pipe()
	d.frameRelay = relay.New("frame", frameLocal, frameRemote, relay.Frame(), d.logger, d.collector)
	d.frame = storage.NewFrame(store, storeEnd, d.logger, d.collector)
	d.bridge = storage.NewBridge(bridgeEnd, d.agg, d.emitters, d.logger, d.collector)
	d.closers.Push(d.bridge.Close)

	// publisher <-> offscreen relay <-> popups
	pubEnd, offLocal := d.pipe()
	d.publisher = broadcast.NewPublisher(pubEnd, d.emitters, d.agg, d.logger, d.collector)
	d.closers.Push(d.publisher.Close)

	var hub *wsbridge.Hub
	var remote relay.Transport
	switch cfg.Relay.Remote {
	case config.RemoteRedis:
		rt, err := relayredis.New(ctx, relayredis.Config{
			URL:    cfg.Relay.Redis.URL,
			Prefix: cfg.Relay.Redis.Prefix,
			Role:   relayredis.RoleOffscreen,
		}, d.logger)
		if err != nil {
			return err
		}
		d.closers.Push(rt.Close)
		remote = rt
	default:
		hub = wsbridge.NewHub(0, d.logger, d.collector)
		d.closers.Push(hub.Close)
		remote = hub
	}
	d.main = relay.New("offscreen", offLocal, remote, relay.Offscreen(), d.logger, d.collector)

	d.srv = server.New(server.Options{
		Listen:    cfg.Server.Listen,
		Sessions:  sessions(hub),
		State:     d.emitters.Snapshot,
		Collector: d.collector,
		Logger:    d.logger,
	})
	return nil
}

func (d *daemon) buildBackground(ctx context.Context) error {
	cfg := d.cfg

	rt, err := relayredis.New(ctx, relayredis.Config{
		URL:    cfg.Relay.Redis.URL,
		Prefix: cfg.Relay.Redis.Prefix,
		Role:   relayredis.RoleBackground,
	}, d.logger)
	if err != nil {
		return err
	}
	d.closers.Push(rt.Close)

	hub := wsbridge.NewHub(0, d.logger, d.collector)
	d.closers.Push(hub.Close)
	d.main = relay.New("background", hub, rt, relay.Background(), d.logger, d.collector)

	d.srv = server.New(server.Options{
		Listen:    cfg.Server.Listen,
		Sessions:  hub,
		Collector: d.collector,
		Logger:    d.logger,
	})
	return nil
}

// pipe creates an in-process channel closed with the daemon.
func (d *daemon) pipe() (*relay.PipeEnd, *relay.PipeEnd) {
	a, b := relay.NewPipe(relay.DefaultPipeBuffer)
	d.closers.Push(a.Close)
	d.closers.Push(b.Close)
	return a, b
}

// sessions avoids handing the server a typed nil handler.
func sessions(hub *wsbridge.Hub) http.Handler {
	if hub == nil {
		return nil
	}
	return hub
}

// Run binds every component, loads persisted counters, initializes the
// engine client and serves HTTP until ctx is done.
func (d *daemon) Run(ctx context.Context) error {
	if d.agg != nil {
		d.frame.Bind(ctx)
		if err := d.frameRelay.Bind(ctx); err != nil {
			return err
		}
		d.bridge.Bind(ctx)
		if err := d.bridge.Load(ctx); err != nil {
			return fmt.Errorf("load persisted state: %w", err)
		}
		d.publisher.Bind(ctx)
	}
	if err := d.main.Bind(ctx); err != nil {
		return err
	}
	if d.agg != nil {
		if err := d.agg.Initialize(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.srv.Run(gctx)
	})
	if d.agg != nil {
		// The engine lives until shutdown or until the server fails.
		g.Go(func() error {
			<-gctx.Done()
			return d.agg.Close()
		})
	}
	return g.Wait()
}

// Close releases components in reverse construction order.
func (d *daemon) Close() error {
	return d.closers.Close()
}

func clientFactory(cfg config.ClientConfig, logger *log.Logger, collector *metrics.Collector) client.Factory {
	if cfg.Mode == config.ClientIPC {
		return client.IPCFactory(client.IPCOptions{
			Address:          cfg.Address,
			DeriveThroughput: cfg.DeriveThroughput,
			RefreshHz:        cfg.RefreshHz,
			Logger:           logger,
			Collector:        collector,
		})
	}
	return client.MockFactory(client.MockOptions{
		Slots: cfg.Mock.Slots,
		Tick:  cfg.Mock.Tick.Duration,
	})
}
