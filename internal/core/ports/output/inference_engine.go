package ports

import (
	"context"

	"incident-detector-service/internal/core/domain"
)

// InferenceEngine turns model bytes into a ready-to-invoke interpreter
type InferenceEngine interface {
	Load(ctx context.Context, model []byte) (Interpreter, error)
}

// Interpreter is a loaded classifier. Invoke must be safe for concurrent use.
type Interpreter interface {
	Schema() domain.ModelSchema
	Invoke(ctx context.Context, input domain.Tensor) (domain.Tensor, error)
	Close() error
}

// ImagePreprocessor converts raw image bytes into the model input tensor
type ImagePreprocessor interface {
	Tensorize(image []byte, input domain.TensorSpec) (domain.Tensor, error)
}
