package ports

import (
	"context"

	"incident-detector-service/internal/core/domain"
)

// RemoteObjectStore is the versioned store the model artifacts are mirrored from.
type RemoteObjectStore interface {
	// ListMetadata lists the objects directly inside folder with their update times
	ListMetadata(ctx context.Context, folder string) ([]domain.ObjectInfo, error)

	// Fetch downloads the full object. Absent objects return domain.ErrObjectNotFound.
	Fetch(ctx context.Context, path string) ([]byte, error)
}
