// Package kvstore provides the persistent key-value medium shared by the identity backend client and the
// session coordinator.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrKeyNotFound indicates the key holds no value.
	ErrKeyNotFound = errors.New("kvstore.not_found")
	// ErrUnsupportedScheme indicates no store implementation matches the storage URL.
	ErrUnsupportedScheme = errors.New("kvstore.unsupported_scheme")

	errEmptyKey        = errors.New("kvstore.empty_key")
	errEmptyStorageURL = errors.New("kvstore.empty_storage_url")
	errEmptyPrefix     = errors.New("kvstore.empty_prefix")
)

// Store is a uniform get/set/remove surface over a runtime-specific medium.
type Store interface {
	// Get returns ErrKeyNotFound when the key holds no value.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	// Remove is idempotent.
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	// Driver names the medium for diagnostics.
	Driver() string
}

// PurgePrefix removes every key that starts with prefix and reports how many were removed.
func PurgePrefix(ctx context.Context, store Store, prefix string) (int, error) {
	if strings.TrimSpace(prefix) == "" {
		return 0, fmt.Errorf("kvstore.purge: %w", errEmptyPrefix)
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("kvstore.purge.%s: %w", store.Driver(), err)
	}
	removed := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if removeErr := store.Remove(ctx, key); removeErr != nil {
			return removed, fmt.Errorf("kvstore.purge.%s: %w", store.Driver(), removeErr)
		}
		removed++
	}
	return removed, nil
}

// Open selects a store by URL scheme: memory://, file://<path>, sqlite://<dsn>, postgres://<dsn>.
// An empty file path resolves to the per-user config directory.
func Open(ctx context.Context, storageURL string) (Store, error) {
	if strings.TrimSpace(storageURL) == "" {
		return nil, fmt.Errorf("kvstore.open: %w", errEmptyStorageURL)
	}
	parsed, err := url.Parse(storageURL)
	if err != nil {
		return nil, fmt.Errorf("kvstore.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		path := parsed.Opaque
		if path == "" {
			path = parsed.Host + parsed.Path
		}
		if strings.TrimSpace(path) == "" {
			path = DefaultFilePath()
		}
		return NewFileStore(path)
	case "sqlite", "sqlite3", "postgres", "postgresql":
		return NewDatabaseStore(ctx, storageURL)
	default:
		return nil, fmt.Errorf("kvstore.open.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errEmptyKey
	}
	return nil
}
