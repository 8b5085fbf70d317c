package localfs

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incident-detector-service/internal/core/domain"
)

func TestStore_ListMetadata(t *testing.T) {
	fsys := afero.NewMemMapFs()
	mtime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, afero.WriteFile(fsys, "/models/final_model_latest.tflite", []byte("m"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/models/archive/old.tflite", []byte("o"), 0o644))
	require.NoError(t, fsys.Chtimes("/models/final_model_latest.tflite", mtime, mtime))

	store := NewStoreFs(fsys)
	objects, err := store.ListMetadata(context.Background(), "models")
	require.NoError(t, err)

	require.Len(t, objects, 1)
	assert.Equal(t, "final_model_latest.tflite", objects[0].Name)
	assert.True(t, mtime.Equal(objects[0].UpdatedAt))
}

func TestStore_ListMetadata_MissingFolder(t *testing.T) {
	store := NewStoreFs(afero.NewMemMapFs())

	_, err := store.ListMetadata(context.Background(), "models")
	assert.Error(t, err)
}

func TestStore_Fetch(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/models/labels_full.txt", []byte("fire\nroad"), 0o644))
	store := NewStoreFs(fsys)

	data, err := store.Fetch(context.Background(), "models/labels_full.txt")
	require.NoError(t, err)
	assert.Equal(t, "fire\nroad", string(data))

	_, err = store.Fetch(context.Background(), "models/missing.txt")
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStoreFs(afero.NewMemMapFs()).Fetch(ctx, "models/labels_full.txt")
	assert.ErrorIs(t, err, context.Canceled)
}
