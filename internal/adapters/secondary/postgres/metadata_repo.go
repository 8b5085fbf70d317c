package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"incident-detector-service/internal/core/domain"
	ports "incident-detector-service/internal/core/ports/output"
)

type metadataRepo struct {
	pool *pgxpool.Pool
}

// NewMetadataRepository creates a metadata side-store shared by every replica
func NewMetadataRepository(pool *pgxpool.Pool) ports.MetadataStore {
	return &metadataRepo{pool: pool}
}

// Migrate creates the remote_metadata table when it does not exist yet
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS remote_metadata (
			artifact_key       TEXT PRIMARY KEY,
			remote_modified_at TIMESTAMPTZ NOT NULL,
			cached_at          TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create remote_metadata: %w", err)
	}
	return nil
}

func (r *metadataRepo) LoadAll(ctx context.Context) (map[string]domain.MetadataCacheEntry, error) {
	query := `SELECT artifact_key, remote_modified_at, cached_at FROM remote_metadata`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query remote_metadata: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]domain.MetadataCacheEntry)
	for rows.Next() {
		var e domain.MetadataCacheEntry
		if err := rows.Scan(&e.ArtifactKey, &e.RemoteModifiedAt, &e.CachedAt); err != nil {
			return nil, fmt.Errorf("scan remote_metadata: %w", err)
		}
		e.RemoteModifiedAt = e.RemoteModifiedAt.UTC()
		e.CachedAt = e.CachedAt.UTC()
		entries[e.ArtifactKey] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remote_metadata: %w", err)
	}
	return entries, nil
}

func (r *metadataRepo) Save(ctx context.Context, entry domain.MetadataCacheEntry) error {
	// cached_at only moves forward, even when replicas race on the same key.
	query := `
		INSERT INTO remote_metadata (artifact_key, remote_modified_at, cached_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (artifact_key) DO UPDATE
		SET remote_modified_at = EXCLUDED.remote_modified_at,
		    cached_at = GREATEST(remote_metadata.cached_at, EXCLUDED.cached_at)
	`
	_, err := r.pool.Exec(ctx, query, entry.ArtifactKey, entry.RemoteModifiedAt, entry.CachedAt)
	if err != nil {
		return fmt.Errorf("upsert remote_metadata: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *metadataRepo) Close() error {
	return nil
}
