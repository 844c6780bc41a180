package redis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/lanternwidget/statebus/storage"
)

func newStore(t *testing.T, mr *miniredis.Miniredis, cfg Config) *Store {
	t.Helper()
	cfg.URL = "redis://" + mr.Addr()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetGet(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStore(t, mr, Config{})

	if err := s.Set(t.Context(), storage.KeyLifetimeConnections, "12"); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := s.Get(t.Context(), storage.KeyLifetimeConnections)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || got != "12" {
		t.Errorf("get = %q, %v, want 12, true", got, ok)
	}

	raw, err := mr.Get("statebus:lifetimeConnections")
	if err != nil {
		t.Fatalf("miniredis get: %v", err)
	}
	if raw != "12" {
		t.Errorf("raw value = %q, want 12", raw)
	}
}

func TestStore_MissingKey(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStore(t, mr, Config{})

	got, ok, err := s.Get(t.Context(), storage.KeyLifetimeChunks)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok || got != "" {
		t.Errorf("get = %q, %v, want empty, false", got, ok)
	}
}

func TestStore_CustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStore(t, mr, Config{Prefix: "tenant-a"})

	if err := s.Set(t.Context(), storage.KeyLifetimeChunks, "[]"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("tenant-a:lifetimeChunks") {
		t.Error("expected key under custom prefix")
	}
}

func TestStore_RetriesThenFails(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStore(t, mr, Config{Retries: 2, Backoff: time.Millisecond})

	// Warm the pool so connection setup is not affected.
	if err := s.Set(t.Context(), storage.KeyLifetimeConnections, "0"); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.SetError("ERR forced failure")
	err := s.Set(t.Context(), storage.KeyLifetimeConnections, "1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error = %v, want attempt count", err)
	}
	var se *storage.Error
	if !errors.As(err, &se) {
		t.Errorf("error %T should be a *storage.Error", err)
	}
}

func TestStore_ReadErrorClassified(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStore(t, mr, Config{})
	if err := s.Set(t.Context(), storage.KeyLifetimeConnections, "0"); err != nil {
		t.Fatalf("set: %v", err)
	}

	mr.SetError("NOAUTH Authentication required.")
	_, _, err := s.Get(t.Context(), storage.KeyLifetimeConnections)
	if !errors.Is(err, storage.ErrAuth) {
		t.Errorf("error = %v, want ErrAuth", err)
	}
}

func TestStore_CanceledContext(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStore(t, mr, Config{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := s.Set(ctx, storage.KeyLifetimeConnections, "1"); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty url", Config{}},
		{"bad url", Config{URL: "http://nope"}},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
