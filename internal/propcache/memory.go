package propcache

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process Backend. It is the default backend for
// development and the fixture for most tests; production deployments use
// the Postgres backend in the pgstore subpackage.
type MemoryBackend struct {
	mu    sync.RWMutex
	pages map[pageKey]map[string]StoredValue
}

type pageKey struct {
	cohort string
	key    string
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{pages: make(map[pageKey]map[string]StoredValue)}
}

func (b *MemoryBackend) ReadPage(_ context.Context, cohort, key string) (map[string]StoredValue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stored := b.pages[pageKey{cohort, key}]
	out := make(map[string]StoredValue, len(stored))
	for name, sv := range stored {
		out[name] = sv
	}
	return out, nil
}

func (b *MemoryBackend) WritePage(_ context.Context, cohort, key string, values map[string]StoredValue) error {
	copied := make(map[string]StoredValue, len(values))
	for name, sv := range values {
		copied[name] = sv
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[pageKey{cohort, key}] = copied
	return nil
}
