package domain

import (
	"errors"
	"fmt"
)

// ============================================================================
// Artifact Sync Errors
// ============================================================================

var (
	ErrRemoteMetadata = errors.New("remote metadata unavailable")
	ErrMissingInStore = errors.New("missing in store")
	ErrEmptyObject    = errors.New("remote object is empty")
	ErrObjectNotFound = errors.New("remote object not found")
	ErrLocalArtifact  = errors.New("local artifact write failed")
)

// ============================================================================
// Model Lifecycle Errors
// ============================================================================

var (
	ErrModelLoad            = errors.New("model load failed")
	ErrModelArtifactMissing = errors.New("model artifact not found on disk")
	ErrLabelMismatch        = errors.New("label count does not match model output")
	ErrModelNotLoaded       = errors.New("model not loaded")
)

// ModelLoadError carries the artifact that could not be turned into a handle.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

func (e *ModelLoadError) Is(target error) bool {
	return target == ErrModelLoad
}

// ============================================================================
// Inference Errors
// ============================================================================

var (
	ErrInvalidImage = errors.New("invalid image")
	ErrEmptyImage   = errors.New("image is required")
	ErrInference    = errors.New("inference failed")
)
