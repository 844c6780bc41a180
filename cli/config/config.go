// Package config loads statebus.yaml.
//
// Precedence, lowest to highest: built-in defaults, the YAML file (after
// ${VAR} expansion), STATEBUS_* environment variables, CLI flags. Flags are
// applied by the cmd package.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Client modes.
const (
	ClientMock = "mock"
	ClientIPC  = "ipc"
)

// Relay roles.
const (
	RoleOffscreen  = "offscreen"
	RoleBackground = "background"
)

// Relay remotes.
const (
	RemoteWebsocket = "websocket"
	RemoteRedis     = "redis"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendLode   = "lode"
	BackendS3     = "s3"
)

// Config represents a statebus.yaml configuration file.
type Config struct {
	// Session identifies this daemon in logs and metrics. Empty generates one.
	Session string        `yaml:"session"`
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// ClientConfig selects the sharing engine.
type ClientConfig struct {
	// Mode is mock or ipc.
	Mode string `yaml:"mode"`
	// Address is the engine socket for ipc mode: unix:///path or tcp://host:port.
	Address string `yaml:"address"`
	// DeriveThroughput computes throughput from chunk sizes instead of
	// trusting the engine's samples.
	DeriveThroughput bool       `yaml:"derive_throughput" split_words:"true"`
	RefreshHz        int        `yaml:"refresh_hz" split_words:"true"`
	Mock             MockConfig `yaml:"mock"`
}

// MockConfig tunes the mock engine.
type MockConfig struct {
	Slots int      `yaml:"slots"`
	Tick  Duration `yaml:"tick"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// RelayConfig places this process in the relay topology.
type RelayConfig struct {
	// Role is offscreen (runs the aggregator) or background (bridges
	// websocket popups to a redis-connected offscreen daemon).
	Role string `yaml:"role"`
	// Remote is how the offscreen daemon reaches popups: websocket serves
	// them directly, redis goes through a background daemon.
	Remote string           `yaml:"remote"`
	Redis  RedisRelayConfig `yaml:"redis"`
}

// RedisRelayConfig configures the redis relay transport.
type RedisRelayConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// StorageConfig selects where lifetime counters persist.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Path is the file for file, the root directory for lode, and
	// bucket/prefix for s3.
	Path string `yaml:"path"`
	// URL is the redis URL for the redis backend.
	URL         string   `yaml:"url"`
	Prefix      string   `yaml:"prefix"`
	Dataset     string   `yaml:"dataset"`
	Region      string   `yaml:"region"`
	Endpoint    string   `yaml:"endpoint"`
	S3PathStyle bool     `yaml:"s3_path_style" split_words:"true"`
	Timeout     Duration `yaml:"timeout,omitempty"`
	Retries     *int     `yaml:"retries,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for string parsing (e.g. "250ms", "5s") from
// YAML and environment variables.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.Decode(s)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(s string) error {
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Client.Mode == "" {
		c.Client.Mode = ClientMock
	}
	if c.Client.RefreshHz == 0 {
		c.Client.RefreshHz = 4
	}
	if c.Client.Mock.Slots == 0 {
		c.Client.Mock.Slots = 5
	}
	if c.Client.Mock.Tick.Duration == 0 {
		c.Client.Mock.Tick.Duration = 250 * time.Millisecond
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:7878"
	}
	if c.Relay.Role == "" {
		c.Relay.Role = RoleOffscreen
	}
	if c.Relay.Remote == "" {
		c.Relay.Remote = RemoteWebsocket
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s: invalid value %q (must be one of %v)", field, value, allowed))
		}
	}

	check("client.mode", c.Client.Mode, ClientMock, ClientIPC)
	check("relay.role", c.Relay.Role, RoleOffscreen, RoleBackground)
	check("relay.remote", c.Relay.Remote, RemoteWebsocket, RemoteRedis)
	check("storage.backend", c.Storage.Backend, BackendMemory, BackendFile, BackendRedis, BackendLode, BackendS3)
	check("log.level", c.Log.Level, "debug", "info", "warn", "warning", "error")

	if c.Client.Mode == ClientIPC && c.Client.Address == "" {
		errs = append(errs, errors.New("client.address is required for ipc mode"))
	}
	if c.Client.RefreshHz < 0 {
		errs = append(errs, fmt.Errorf("client.refresh_hz must be > 0, got %d", c.Client.RefreshHz))
	}
	if c.Client.Mock.Slots < 0 {
		errs = append(errs, fmt.Errorf("client.mock.slots must be > 0, got %d", c.Client.Mock.Slots))
	}
	if (c.Relay.Role == RoleBackground || c.Relay.Remote == RemoteRedis) && c.Relay.Redis.URL == "" {
		errs = append(errs, errors.New("relay.redis.url is required for the redis remote and the background role"))
	}
	switch c.Storage.Backend {
	case BackendFile, BackendLode, BackendS3:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend))
		}
	case BackendRedis:
		if c.Storage.URL == "" {
			errs = append(errs, errors.New("storage.url is required for the redis backend"))
		}
	}
	if c.Storage.Retries != nil && *c.Storage.Retries < 0 {
		errs = append(errs, fmt.Errorf("storage.retries must be >= 0, got %d", *c.Storage.Retries))
	}
	return errors.Join(errs...)
}
