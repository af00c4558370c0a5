package secret

import (
	"maps"
	"slices"
	"sync"
)

// SecretStore holds the few values that must stay out of the app database,
// currently only the vault master secret.
type SecretStore interface {
	Set(key string, value []byte) error
	// Get returns nil and no error for a missing key.
	Get(key string) ([]byte, error)
	Delete(key string) error
}

var (
	_ SecretStore = (*KeychainStore)(nil)
	_ SecretStore = (*MemoryStore)(nil)
)

// MemoryStore keeps secrets for the life of the process. Useful where no OS
// keyring exists and the master secret comes from configuration anyway.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (m *MemoryStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Keys lists the stored keys.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.values))
}
