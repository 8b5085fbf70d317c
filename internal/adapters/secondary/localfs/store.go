package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"incident-detector-service/internal/core/domain"
	ports "incident-detector-service/internal/core/ports/output"
)

// Store serves a directory tree as the remote object store. Object paths are
// slash separated and relative to the root; file modification times stand in
// for the store's update times.
type Store struct {
	fs afero.Fs
}

// NewStore roots a RemoteObjectStore at dir on the OS filesystem.
func NewStore(dir string) ports.RemoteObjectStore {
	return NewStoreFs(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

// NewStoreFs wraps an already rooted filesystem.
func NewStoreFs(fsys afero.Fs) *Store {
	return &Store{fs: fsys}
}

func (s *Store) ListMetadata(ctx context.Context, folder string) ([]domain.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(s.fs, osPath(folder))
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", folder, err)
	}

	objects := make([]domain.ObjectInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		objects = append(objects, domain.ObjectInfo{Name: e.Name(), UpdatedAt: e.ModTime().UTC()})
	}
	return objects, nil
}

func (s *Store) Fetch(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, osPath(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("object %s: %w", p, domain.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

func osPath(p string) string {
	p = path.Clean("/" + p)
	return filepath.FromSlash(p)
}
