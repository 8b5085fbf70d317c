package ports

import (
	"context"

	"incident-detector-service/internal/core/domain"
)

// MetadataStore persists remote metadata cache entries across restarts.
type MetadataStore interface {
	LoadAll(ctx context.Context) (map[string]domain.MetadataCacheEntry, error)
	Save(ctx context.Context, entry domain.MetadataCacheEntry) error
	Close() error
}
