// Package store persists scan output.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store persists named documents.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Location(key string) string
}

// File stores documents in a local directory.
type File struct {
	dir string
}

// NewFile creates a directory store.
func NewFile(dir string) *File {
	return &File{dir: dir}
}

// Put writes the document into a file; the key may contain sub-directories.
func (f *File) Put(_ context.Context, key string, data []byte) error {
	path := f.Location(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("can not create directory for %s; %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("can not write %s; %w", key, err)
	}
	return nil
}

// Location provides the file path of the given key.
func (f *File) Location(key string) string {
	return filepath.Join(f.dir, filepath.FromSlash(key))
}

// Memory keeps documents in memory.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

// Put stores a copy of the document.
func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = append([]byte(nil), data...)
	return nil
}

// Location provides the memory key.
func (m *Memory) Location(key string) string {
	return "mem://" + key
}

// Get provides a stored document.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[key]
	return d, ok
}

// Keys lists the stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
