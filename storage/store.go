// Package storage persists the lifetime counters across sessions.
//
// Persistence lives behind a storage context (Frame) that is reached only
// through the relay protocol. The page side (Bridge) asks for the stored
// values once at startup, merges them into the aggregator, and from then on
// writes every change back.
package storage

import (
	"context"
	"sync"
)

// Persisted keys.
const (
	KeyLifetimeConnections = "lifetimeConnections"
	KeyLifetimeChunks      = "lifetimeChunks"
)

// Store is a string key/value backend.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Close releases backend resources.
	Close() error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
