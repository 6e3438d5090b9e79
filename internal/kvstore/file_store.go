package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	configDirName   = "tauthclient"
	storageFileName = "storage.json"
)

// DefaultFilePath returns $XDG_CONFIG_HOME/tauthclient/storage.json, falling back to ~/.config.
func DefaultFilePath() string {
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, configDirName, storageFileName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", configDirName, storageFileName)
}

// FileStore persists all keys as one JSON object on local disk, the desktop and mobile equivalent of
// browser-local storage.
type FileStore struct {
	mutex sync.Mutex
	path  string
}

// NewFileStore prepares a store at path, creating the parent directory with owner-only permissions.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("kvstore.file.mkdir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Driver names the medium.
func (store *FileStore) Driver() string {
	return "file"
}

// Path exposes the backing file location.
func (store *FileStore) Path() string {
	return store.path
}

// Get returns the value stored under key.
func (store *FileStore) Get(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	values, err := store.readLocked()
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Set stores value under key.
func (store *FileStore) Set(ctx context.Context, key string, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	values, err := store.readLocked()
	if err != nil {
		return err
	}
	values[key] = value
	return store.writeLocked(values)
}

// Remove deletes key.
func (store *FileStore) Remove(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	values, err := store.readLocked()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return store.writeLocked(values)
}

// Keys lists stored keys in lexical order.
func (store *FileStore) Keys(ctx context.Context) ([]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	values, err := store.readLocked()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (store *FileStore) readLocked() (map[string]string, error) {
	data, err := os.ReadFile(store.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore.file.read: %w", err)
	}
	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("kvstore.file.decode: %w", err)
	}
	return values, nil
}

// writeLocked replaces the file through a temp file so readers never observe a partial write.
func (store *FileStore) writeLocked(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("kvstore.file.encode: %w", err)
	}
	temporary, err := os.CreateTemp(filepath.Dir(store.path), ".storage-*.json")
	if err != nil {
		return fmt.Errorf("kvstore.file.write: %w", err)
	}
	temporaryPath := temporary.Name()
	defer func() { _ = os.Remove(temporaryPath) }()

	if _, err := temporary.Write(data); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("kvstore.file.write: %w", err)
	}
	if err := temporary.Chmod(0o600); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("kvstore.file.chmod: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("kvstore.file.write: %w", err)
	}
	if err := os.Rename(temporaryPath, store.path); err != nil {
		return fmt.Errorf("kvstore.file.rename: %w", err)
	}
	return nil
}
