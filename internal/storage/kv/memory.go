package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store in process memory with a fixed byte capacity.
// Each entry consumes len(key)+len(value) bytes. It is NOT shared between processes.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]string
	used     int64
	capacity int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most capacity bytes.
// A capacity <= 0 means unbounded.
func NewMemoryStore(capacity int64) *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]string),
		capacity: capacity,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.items[key]
	if !exists {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := entrySize(key, value)
	next := s.used + size
	if old, exists := s.items[key]; exists {
		next -= entrySize(key, old)
	}
	if s.capacity > 0 && next > s.capacity {
		return ErrStoreFull
	}

	s.items[key] = value
	s.used = next
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		if old, exists := s.items[key]; exists {
			s.used -= entrySize(key, old)
			delete(s.items, key)
		}
	}
	return nil
}

// Keys implements Store. Keys are returned sorted.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements Store. Contents survive Close so a reopened backend sees them,
// matching the persistence of a real store within one process.
func (s *MemoryStore) Close() error {
	return nil
}

// Used returns the bytes currently consumed.
func (s *MemoryStore) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func entrySize(key, value string) int64 {
	return int64(len(key) + len(value))
}
