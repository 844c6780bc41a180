package cmd

import (
	"context"
	"fmt"

	"github.com/lanternwidget/statebus/cli/config"
	"github.com/lanternwidget/statebus/storage"
	lodestore "github.com/lanternwidget/statebus/storage/lode"
	redisstore "github.com/lanternwidget/statebus/storage/redis"
)

// Redis write-retry default when storage.retries is unset.
const defaultStoreRetries = redisstore.DefaultRetries

// openStore builds the configured storage backend.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return storage.NewMemory(), nil

	case config.BackendFile:
		return storage.OpenFile(cfg.Path)

	case config.BackendRedis:
		retries := defaultStoreRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		return redisstore.New(redisstore.Config{
			URL:     cfg.URL,
			Prefix:  cfg.Prefix,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})

	case config.BackendLode:
		return lodestore.NewFS(cfg.Dataset, cfg.Path)

	case config.BackendS3:
		bucket, prefix := lodestore.ParseS3Path(cfg.Path)
		return lodestore.NewS3(ctx, cfg.Dataset, lodestore.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (must be memory, file, redis, lode, or s3)", cfg.Backend)
	}
}
