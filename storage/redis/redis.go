// Package redis implements storage.Store on Redis strings.
//
// Keys are namespaced as <prefix>:<key>. Writes retry with exponential
// backoff on failure; reads are attempted once.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lanternwidget/statebus/storage"
)

// DefaultPrefix is the default key namespace.
const DefaultPrefix = "statebus"

// DefaultTimeout is the default per-command timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of write retries.
const DefaultRetries = 3

// DefaultBackoff is the delay before the first retry. It doubles per attempt.
const DefaultBackoff = 500 * time.Millisecond

// Config configures the Redis store.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Prefix namespaces every key (default: statebus).
	Prefix string
	// Timeout is the per-command timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of write retries on failure (default 3 when unset
	// through the CLI; 0 disables retries).
	Retries int
	// Backoff is the first retry delay (default 500ms).
	Backoff time.Duration
}

// Store persists values with GET and SET.
type Store struct {
	config Config
	client *goredis.Client
}

// New creates a Redis store from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis store requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Store{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Key returns the namespaced Redis key for key.
func (s *Store) Key(key string) string {
	return s.config.Prefix + ":" + key
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	getCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	v, err := s.client.Get(getCtx, s.Key(key)).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, storage.WrapError(err, "get", key)
	}
	return v, true, nil
}

// Set implements storage.Store. Retries with exponential backoff on failures.
func (s *Store) Set(ctx context.Context, key, value string) error {
	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + s.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * s.config.Backoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		setCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		lastErr = s.client.Set(setCtx, s.Key(key), value, 0).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return storage.WrapError(fmt.Errorf("failed after %d attempts: %w", attempts, lastErr), "set", key)
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ storage.Store = (*Store)(nil)
