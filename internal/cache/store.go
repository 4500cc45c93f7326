package cache

import (
	"context"
	"sync"
)

// Store is the key-value contract for the persistent local mirror, one entry
// per session id. Implementations must be safe for concurrent use. The
// synchronizer takes a Store by injection so tests run against the in-memory
// implementation.
type Store interface {
	Get(ctx context.Context, sessionID string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]*Entry, error)
	Close() error
}

// MemoryStore is a map-backed Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.SessionID] = entry.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
