package kvstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps values in process memory; intended for tests and ephemeral clients.
type MemoryStore struct {
	mutex  sync.Mutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Driver names the medium.
func (store *MemoryStore) Driver() string {
	return "memory"
}

// Get returns the value stored under key.
func (store *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	value, ok := store.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Set stores value under key.
func (store *MemoryStore) Set(ctx context.Context, key string, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.values[key] = value
	return nil
}

// Remove deletes key.
func (store *MemoryStore) Remove(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	delete(store.values, key)
	return nil
}

// Keys lists stored keys in lexical order.
func (store *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	keys := make([]string, 0, len(store.values))
	for key := range store.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
