package gatekeeper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"flowguard/internal/log"
)

// cacheStoreName and cacheStoreKey fix the persistent-store coordinates the
// in-memory cache is flushed to and restored from.
const (
	cacheStoreName = "gatekeeper_cache"
	cacheStoreKey  = "cache_data"
)

// Store is the persistence interface for named byte blobs, addressed by a
// store name and a key within it. FileStore is the only implementation;
// tests may substitute an in-memory fake.
type Store interface {
	Save(store, key string, data []byte) error
	Load(store, key string) ([]byte, error)
	Delete(store, key string) error
}

// FileStore persists blobs as individual files under root/<store>/<key>.bin.
// Writes use temp-file + atomic rename so a crash mid-write never leaves a
// torn file in place.
type FileStore struct {
	root string
}

// NewFileStore builds a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("gatekeeper store: create directory %q: %w", dir, err)
	}
	return &FileStore{root: dir}, nil
}

// Save atomically writes data under store/key.
func (s *FileStore) Save(store, key string, data []byte) error {
	dir := filepath.Join(s.root, store)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("gatekeeper store: create directory %q: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("gatekeeper store: create temp file for %q/%q: %w", store, key, err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("gatekeeper store: write temp file for %q/%q: %w", store, key, err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("gatekeeper store: close temp file for %q/%q: %w", store, key, err)
	}

	final := s.path(store, key)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("gatekeeper store: rename temp -> %q: %w", final, err)
	}
	return nil
}

// Load reads the blob at store/key. The returned error satisfies
// errors.Is(err, os.ErrNotExist) when absent.
func (s *FileStore) Load(store, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(store, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("gatekeeper store: %q/%q not found: %w", store, key, os.ErrNotExist)
		}
		return nil, fmt.Errorf("gatekeeper store: read %q/%q: %w", store, key, err)
	}
	return data, nil
}

// Delete removes the blob at store/key. Idempotent: returns nil if absent.
func (s *FileStore) Delete(store, key string) error {
	err := os.Remove(s.path(store, key))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileStore) path(store, key string) string {
	return filepath.Join(s.root, store, key+".bin")
}

// Persist serializes c and saves it to the cache store slot. A save failure
// is logged as a warning and swallowed: the in-memory cache remains
// authoritative regardless of persistence health.
func Persist(store Store, c *Cache) {
	data := SerializeCache(c)
	if err := store.Save(cacheStoreName, cacheStoreKey, data); err != nil {
		log.GetLogger().WithError(err).Warn("gatekeeper: failed to persist cache")
	}
}

// Restore loads the cache store slot, if present, and replays it into c via
// RestoreCache. A missing slot (first boot) is not an error.
func Restore(store Store, c *Cache) (RestoreResult, error) {
	data, err := store.Load(cacheStoreName, cacheStoreKey)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RestoreResult{}, nil
		}
		return RestoreResult{}, err
	}
	return RestoreCache(c, data)
}
