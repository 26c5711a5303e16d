// Package kvstore provides the device-local durable key-value storage used by
// the local anchoring backend. It defines the Store interface, a LevelDB
// implementation for durable on-disk storage and an in-memory implementation
// suitable for testing and development.
package kvstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound = errors.New("key not found")
	ErrExists   = errors.New("key already exists")
	ErrClosed   = errors.New("store is closed")
)

// Store is an append/read key-value store. Values are never updated in place:
// PutIfAbsent refuses to overwrite, and Delete exists only for explicit
// eviction.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Has(ctx context.Context, key string) (bool, error)
	// Keys returns every key starting with prefix, in ascending byte order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// PutIfAbsent writes every entry atomically, or none of them when any
	// key is already present (ErrExists).
	PutIfAbsent(ctx context.Context, entries map[string][]byte) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Has(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.data[key]
	return ok, nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	keys := []string{}
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for k := range entries {
		if _, ok := s.data[k]; ok {
			return ErrExists
		}
	}
	for k, v := range entries {
		s.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
