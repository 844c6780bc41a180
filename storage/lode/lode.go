// Package lode implements storage.Store on a Lode dataset.
//
// Every persisted write appends one record {key, value, written_at} as a new
// snapshot, Hive-partitioned by key. Get returns the value of the newest
// snapshot in the key's partition. The dataset is an append-only history of
// the counters; nothing is rewritten in place.
//
// The dataset grows by one snapshot per write and a cold Get lists every
// snapshot, so writes are coalesced: unchanged values are skipped, and a key
// is written at most once per write interval. Newer values inside the
// interval are held and written by the next Set after it, by Flush, or by
// Close.
package lode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/lanternwidget/statebus/storage"
)

// DefaultDataset is the default dataset ID.
const DefaultDataset = "statebus"

// DefaultWriteInterval is the minimum time between two snapshots of one key.
const DefaultWriteInterval = 2 * time.Second

// partitionKey is the Hive partition for records.
const partitionKey = "key"

// Store is a Lode-backed storage.Store.
type Store struct {
	dataset  lode.Dataset
	now      func() time.Time
	interval time.Duration

	mu        sync.Mutex
	cache     map[string]string // latest value per key, persisted or pending
	pending   map[string]string
	lastWrite map[string]time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithWriteInterval sets the minimum time between snapshots of one key.
// Zero writes every change.
func WithWriteInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewFS creates a store with filesystem storage rooted at root. The root
// directory is created if missing.
func NewFS(dataset, root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("lode store requires a root path")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create lode root: %w", err)
	}
	return NewWithFactory(dataset, lode.NewFSFactory(root), opts...)
}

// NewWithFactory creates a store with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewWithFactory(dataset string, factory lode.StoreFactory, opts ...Option) (*Store, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(partitionKey),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Lode dataset: %w", err)
	}
	s := &Store{
		dataset:   ds,
		now:       time.Now,
		interval:  DefaultWriteInterval,
		cache:     make(map[string]string),
		pending:   make(map[string]string),
		lastWrite: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	v, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return v, true, nil
	}

	snapshots, err := s.dataset.Snapshots(ctx)
	if err != nil {
		return "", false, storage.WrapError(err, "get", key)
	}

	// Latest first; snapshots are ordered by creation time.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotHasPartition(snap, partitionKey, key) {
			continue
		}

		data, err := s.dataset.Read(ctx, snap.ID)
		if err != nil {
			return "", false, storage.WrapError(err, "get", key)
		}
		// Path filtering is a coarse pre-filter; record fields decide.
		for j := len(data) - 1; j >= 0; j-- {
			record, ok := data[j].(map[string]any)
			if !ok || toString(record["key"]) != key {
				continue
			}
			value := toString(record["value"])
			s.mu.Lock()
			if _, written := s.cache[key]; !written {
				s.cache[key] = value
			}
			s.mu.Unlock()
			return value, true, nil
		}
	}
	return "", false, nil
}

// Set implements storage.Store. A value written inside the key's write
// interval is held until the next flush.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.cache[key]; ok && cur == value {
		return nil
	}
	if last, ok := s.lastWrite[key]; ok && s.now().Sub(last) < s.interval {
		s.cache[key] = value
		s.pending[key] = value
		return nil
	}
	if err := s.writeLocked(ctx, key, value); err != nil {
		return err
	}
	s.cache[key] = value
	return nil
}

// Flush writes every held value.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for key, value := range s.pending {
		if err := s.writeLocked(ctx, key, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes held values.
func (s *Store) Close() error {
	return s.Flush(context.Background())
}

func (s *Store) writeLocked(ctx context.Context, key, value string) error {
	now := s.now()
	record := map[string]any{
		"key":        key,
		"value":      value,
		"written_at": now.UTC().Format(time.RFC3339Nano),
	}
	if _, err := s.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return storage.WrapError(err, "set", key)
	}
	s.lastWrite[key] = now
	delete(s.pending, key)
	return nil
}

// snapshotHasPartition reports whether any file in snap sits under the
// key=value partition.
func snapshotHasPartition(snap *lode.DatasetSnapshot, key, value string) bool {
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks if a Hive-partitioned path contains an exact
// key=value segment, so key=lifetimeChunks never matches a longer name.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

var _ storage.Store = (*Store)(nil)
