package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"incident-detector-service/internal/core/domain"
	ports "incident-detector-service/internal/core/ports/output"
)

// compile-time check
var _ ports.MetadataStore = (*MetadataStore)(nil)

// MetadataStore keeps remote metadata cache entries in a local sqlite file
// next to the synced artifacts.
type MetadataStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. A file that is not a valid
// database fails here so the caller can fall back to an in-memory cache.
func Open(path string) (*MetadataStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &MetadataStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate metadata db: %w", err)
	}
	return s, nil
}

func (s *MetadataStore) LoadAll(ctx context.Context) (map[string]domain.MetadataCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT artifact_key, remote_modified_at, cached_at FROM remote_metadata;`)
	if err != nil {
		return nil, fmt.Errorf("query remote_metadata: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]domain.MetadataCacheEntry)
	for rows.Next() {
		var (
			key              string
			remote, cachedAt int64
		)
		if err := rows.Scan(&key, &remote, &cachedAt); err != nil {
			return nil, fmt.Errorf("scan remote_metadata: %w", err)
		}
		entries[key] = domain.MetadataCacheEntry{
			ArtifactKey:      key,
			RemoteModifiedAt: time.Unix(0, remote).UTC(),
			CachedAt:         time.Unix(0, cachedAt).UTC(),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remote_metadata: %w", err)
	}
	return entries, nil
}

func (s *MetadataStore) Save(ctx context.Context, entry domain.MetadataCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO remote_metadata (artifact_key, remote_modified_at, cached_at)
VALUES (?, ?, ?)
ON CONFLICT(artifact_key) DO UPDATE SET
  remote_modified_at = excluded.remote_modified_at,
  cached_at = excluded.cached_at;`,
		entry.ArtifactKey,
		entry.RemoteModifiedAt.UnixNano(),
		entry.CachedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert remote_metadata: %w", err)
	}
	return nil
}

func (s *MetadataStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MetadataStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS remote_metadata (
  artifact_key TEXT PRIMARY KEY,
  remote_modified_at INTEGER NOT NULL,
  cached_at INTEGER NOT NULL
);
`)
	return err
}
