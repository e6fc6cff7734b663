package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rendis/plangraph/pkg/schema"
)

// MemoryStore implements Store in process memory. Contents are lost on Close.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Preference
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Preference)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.entries[key]
	if !ok {
		return nil, storeNotFound(key)
	}
	return slices.Clone(p.Value), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "preference key is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Preference{Key: key, Value: slices.Clone(value), UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]*Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Preference
	for k, p := range m.entries {
		if strings.HasPrefix(k, prefix) {
			p.Value = slices.Clone(p.Value)
			out = append(out, &p)
		}
	}
	slices.SortFunc(out, func(a, b *Preference) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	return nil
}
