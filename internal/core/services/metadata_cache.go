package services

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"incident-detector-service/internal/core/domain"
	output "incident-detector-service/internal/core/ports/output"
)

// DefaultMetadataTTL bounds how long a remote modification time is trusted.
const DefaultMetadataTTL = 600 * time.Second

// RemoteMetadataCache keeps the last known remote modification time per
// artifact, written through to a durable side-store.
type RemoteMetadataCache struct {
	mu      sync.RWMutex
	entries map[string]domain.MetadataCacheEntry
	store   output.MetadataStore
}

// NewRemoteMetadataCache warms the cache from store. A nil or unreadable
// store leaves the cache empty.
func NewRemoteMetadataCache(ctx context.Context, store output.MetadataStore) *RemoteMetadataCache {
	c := &RemoteMetadataCache{
		entries: make(map[string]domain.MetadataCacheEntry),
		store:   store,
	}
	if store == nil {
		return c
	}

	entries, err := store.LoadAll(ctx)
	if err != nil {
		log.WithError(err).Warn("metadata side-store unreadable, starting with empty cache")
		return c
	}
	for key, entry := range entries {
		entry.ArtifactKey = key
		c.entries[key] = entry
	}
	log.WithField("entries", len(c.entries)).Debug("metadata cache warmed from side-store")
	return c
}

// Get returns the entry for key regardless of staleness.
func (c *RemoteMetadataCache) Get(key string) (domain.MetadataCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// Put overwrites the entry for key. cached_at never moves backwards.
func (c *RemoteMetadataCache) Put(ctx context.Context, key string, remoteModifiedAt, now time.Time) domain.MetadataCacheEntry {
	c.mu.Lock()
	cachedAt := now
	if prev, ok := c.entries[key]; ok && prev.CachedAt.After(cachedAt) {
		cachedAt = prev.CachedAt
	}
	entry := domain.MetadataCacheEntry{
		ArtifactKey:      key,
		RemoteModifiedAt: remoteModifiedAt,
		CachedAt:         cachedAt,
	}
	c.entries[key] = entry
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(ctx, entry); err != nil {
			log.WithError(err).WithField("artifact", key).Warn("persist metadata cache entry failed")
		}
	}
	return entry
}

// IsFresh is true iff now - entry.CachedAt <= ttl.
func IsFresh(entry domain.MetadataCacheEntry, now time.Time, ttl time.Duration) bool {
	return entry.IsFresh(now, ttl)
}
