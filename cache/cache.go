// Package cache holds resolved enrichment results keyed by normalized URL.
// Entries never expire; the whole mapping is persisted on every write.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/docutag/capture/db"
	"github.com/docutag/capture/models"
	"github.com/docutag/capture/storage"
	"github.com/docutag/capture/telemetry"
)

// StorageKey is the versioned key the serialized mapping lives under
const StorageKey = "capture.metaCache.v1"

// Backend persists the serialized mapping
type Backend interface {
	// Load returns nil data when nothing has been saved yet
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Cache is an in-memory mirror of the persisted mapping. Get never touches
// the backend.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry

	saveMu  sync.Mutex
	backend Backend
	metrics *telemetry.Metrics
}

// New creates a cache and hydrates it from backend. A nil backend keeps the
// cache in memory only.
func New(ctx context.Context, backend Backend, metrics *telemetry.Metrics) (*Cache, error) {
	c := &Cache{
		entries: make(map[string]models.CacheEntry),
		backend: backend,
		metrics: metrics,
	}
	if backend == nil {
		return c, nil
	}

	data, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &c.entries); err != nil {
			return nil, fmt.Errorf("failed to decode cache: %w", err)
		}
		if c.entries == nil {
			c.entries = make(map[string]models.CacheEntry)
		}
	}
	return c, nil
}

// Key is the cache key of rawURL
func Key(rawURL string) string {
	return models.URLKey(rawURL)
}

// Get returns the cached entry for rawURL
func (c *Cache) Get(rawURL string) (models.CacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[Key(rawURL)]
	c.mu.RUnlock()

	c.metrics.CacheLookup(ok)
	return entry, ok
}

// Put stores entry for rawURL, overwriting any previous entry, and rewrites
// the persisted mapping
func (c *Cache) Put(ctx context.Context, rawURL string, entry models.CacheEntry) error {
	c.mu.Lock()
	c.entries[Key(rawURL)] = entry
	c.mu.Unlock()
	return c.persist(ctx)
}

// Delete removes the entry for rawURL
func (c *Cache) Delete(ctx context.Context, rawURL string) error {
	key := Key(rawURL)
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.persist(ctx)
}

// Clear drops every entry
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]models.CacheEntry)
	c.mu.Unlock()
	return c.persist(ctx)
}

// Len returns the number of cached URLs
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// persist serializes a snapshot and saves it. Saves are serialized so an
// older snapshot never overwrites a newer one.
func (c *Cache) persist(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	data, err := json.Marshal(c.entries)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	if err := c.backend.Save(ctx, data); err != nil {
		return fmt.Errorf("failed to save cache: %w", err)
	}
	return nil
}

// KV is the subset of *db.DB the KV backend needs
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

type kvBackend struct {
	kv  KV
	key string
}

// NewKVBackend persists the mapping as one row of the KV table
func NewKVBackend(kv KV) Backend {
	return &kvBackend{kv: kv, key: StorageKey}
}

func (b *kvBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := b.kv.Get(ctx, b.key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (b *kvBackend) Save(ctx context.Context, data []byte) error {
	return b.kv.Put(ctx, b.key, data)
}

type blobBackend struct {
	blobs storage.Blobs
	key   string
}

// NewBlobBackend persists the mapping as a JSON object in blob storage
func NewBlobBackend(blobs storage.Blobs) Backend {
	return &blobBackend{blobs: blobs, key: "snapshots/" + StorageKey + ".json"}
}

func (b *blobBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := b.blobs.Get(ctx, b.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (b *blobBackend) Save(ctx context.Context, data []byte) error {
	return b.blobs.Put(ctx, b.key, data, "application/json")
}
