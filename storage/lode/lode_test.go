package lode

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/lanternwidget/statebus/storage"
)

func sharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

func TestStore_SetGet(t *testing.T) {
	s, err := NewWithFactory("", sharedFactory(lode.NewMemory()))
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}

	if err := s.Set(t.Context(), storage.KeyLifetimeConnections, "3"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := s.Get(t.Context(), storage.KeyLifetimeConnections)
	if err != nil || !ok || got != "3" {
		t.Errorf("Get = %q, %v, %v, want 3", got, ok, err)
	}
}

func TestStore_MissingKey(t *testing.T) {
	s, err := NewWithFactory("statebus", sharedFactory(lode.NewMemory()))
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}
	got, ok, err := s.Get(t.Context(), storage.KeyLifetimeChunks)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok || got != "" {
		t.Errorf("Get = %q, %v, want empty, false", got, ok)
	}
}

// TestStore_ReopenReadsLatest verifies a fresh process sees the newest
// snapshot per key, not the first or another key's.
func TestStore_ReopenReadsLatest(t *testing.T) {
	mem := lode.NewMemory()
	writer, err := NewWithFactory("statebus", sharedFactory(mem))
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}
	for _, v := range []string{"1", "2", "5"} {
		if err := writer.Set(t.Context(), storage.KeyLifetimeConnections, v); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	if err := writer.Set(t.Context(), storage.KeyLifetimeChunks, `[{"size":9,"workerIdx":0}]`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reader, err := NewWithFactory("statebus", sharedFactory(mem))
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}
	tests := []struct {
		key  string
		want string
	}{
		{storage.KeyLifetimeConnections, "5"},
		{storage.KeyLifetimeChunks, `[{"size":9,"workerIdx":0}]`},
	}
	for _, tt := range tests {
		got, ok, err := reader.Get(t.Context(), tt.key)
		if err != nil || !ok {
			t.Fatalf("Get(%s) = %q, %v, %v", tt.key, got, ok, err)
		}
		if got != tt.want {
			t.Errorf("Get(%s) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestStore_FS(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFS("statebus", dir)
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	if err := s.Set(t.Context(), storage.KeyLifetimeConnections, "8"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	reopened, err := NewFS("statebus", dir)
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	got, ok, err := reopened.Get(t.Context(), storage.KeyLifetimeConnections)
	if err != nil || !ok || got != "8" {
		t.Errorf("Get = %q, %v, %v, want 8", got, ok, err)
	}
}

func TestNewFS_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "fresh", "lode")
	s, err := NewFS("statebus", root)
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	if err := s.Set(t.Context(), storage.KeyLifetimeConnections, "1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
}

func snapshotCount(t *testing.T, s *Store) int {
	t.Helper()
	snaps, err := s.dataset.Snapshots(t.Context())
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	return len(snaps)
}

func TestStore_CoalescesWrites(t *testing.T) {
	mem := lode.NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewWithFactory("statebus", sharedFactory(mem),
		WithWriteInterval(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}

	for _, v := range []string{"1", "2", "3", "3"} {
		if err := s.Set(t.Context(), storage.KeyLifetimeConnections, v); err != nil {
			t.Fatalf("Set(%s) failed: %v", v, err)
		}
	}
	if got := snapshotCount(t, s); got != 1 {
		t.Errorf("snapshots inside interval = %d, want 1", got)
	}
	if got, _, _ := s.Get(t.Context(), storage.KeyLifetimeConnections); got != "3" {
		t.Errorf("Get = %q, want held value 3", got)
	}

	now = now.Add(2 * time.Minute)
	if err := s.Set(t.Context(), storage.KeyLifetimeConnections, "4"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := snapshotCount(t, s); got != 2 {
		t.Errorf("snapshots after interval = %d, want 2", got)
	}

	if err := s.Set(t.Context(), storage.KeyLifetimeConnections, "5"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := snapshotCount(t, s); got != 3 {
		t.Errorf("snapshots after Close = %d, want 3", got)
	}

	reader, err := NewWithFactory("statebus", sharedFactory(mem))
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}
	if got, _, _ := reader.Get(t.Context(), storage.KeyLifetimeConnections); got != "5" {
		t.Errorf("reopened Get = %q, want 5", got)
	}
}

func TestNewFS_RequiresRoot(t *testing.T) {
	if _, err := NewFS("statebus", ""); err == nil {
		t.Error("expected error for empty root")
	}
}

func TestMatchesPartitionValue(t *testing.T) {
	tests := []struct {
		path  string
		value string
		want  bool
	}{
		{"datasets/statebus/key=lifetimeChunks/data.jsonl", "lifetimeChunks", true},
		{"datasets/statebus/key=lifetimeChunksOld/data.jsonl", "lifetimeChunks", false},
		{"datasets/statebus/key=lifetimeConnections/data.jsonl", "lifetimeChunks", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := matchesPartitionValue(tt.path, "key", tt.value); got != tt.want {
				t.Errorf("matchesPartitionValue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		in         string
		wantBucket string
		wantPrefix string
	}{
		{"bucket", "bucket", ""},
		{"bucket/prefix", "bucket", "prefix"},
		{"bucket/a/b", "bucket", "a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			b, p := ParseS3Path(tt.in)
			if b != tt.wantBucket || p != tt.wantPrefix {
				t.Errorf("ParseS3Path(%q) = %q, %q", tt.in, b, p)
			}
		})
	}
}

func TestS3Config_Validate(t *testing.T) {
	var empty S3Config
	if err := empty.Validate(); err == nil {
		t.Error("expected error for missing bucket")
	}
	ok := S3Config{Bucket: "b"}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}
