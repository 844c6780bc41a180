package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// File is a Store persisted as a flat YAML mapping. Every Set rewrites the
// document through a temporary file and rename, so readers never observe a
// partial write.
type File struct {
	path string

	mu   sync.Mutex
	data map[string]string
}

// OpenFile loads path, creating parent directories as needed. A missing
// file starts empty.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("file store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, WrapError(err, "open", path)
	}

	f := &File{path: path, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, WrapError(err, "open", path)
	}
	if err := yaml.Unmarshal(raw, &f.data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.data == nil {
		f.data = make(map[string]string)
	}
	return f, nil
}

// Get implements Store.
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

// Set implements Store.
func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.data[key]
	f.data[key] = value
	if err := f.flush(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return WrapError(err, "set", key)
	}
	return nil
}

// Close implements Store.
func (f *File) Close() error { return nil }

func (f *File) flush() error {
	out, err := yaml.Marshal(f.data)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".statebus-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

var _ Store = (*File)(nil)
