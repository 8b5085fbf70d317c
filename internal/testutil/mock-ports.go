package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"incident-detector-service/internal/core/domain"
	output "incident-detector-service/internal/core/ports/output"
)

// MockRemoteObjectStore is a mock of RemoteObjectStore.
type MockRemoteObjectStore struct {
	mock.Mock
}

func (m *MockRemoteObjectStore) ListMetadata(ctx context.Context, folder string) ([]domain.ObjectInfo, error) {
	args := m.Called(ctx, folder)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ObjectInfo), args.Error(1)
}

func (m *MockRemoteObjectStore) Fetch(ctx context.Context, path string) ([]byte, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockMetadataStore is a mock of MetadataStore.
type MockMetadataStore struct {
	mock.Mock
}

func (m *MockMetadataStore) LoadAll(ctx context.Context) (map[string]domain.MetadataCacheEntry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]domain.MetadataCacheEntry), args.Error(1)
}

func (m *MockMetadataStore) Save(ctx context.Context, entry domain.MetadataCacheEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockMetadataStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockInferenceEngine is a mock of InferenceEngine.
type MockInferenceEngine struct {
	mock.Mock
}

func (m *MockInferenceEngine) Load(ctx context.Context, model []byte) (output.Interpreter, error) {
	args := m.Called(ctx, model)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(output.Interpreter), args.Error(1)
}

// MockInterpreter is a mock of Interpreter.
type MockInterpreter struct {
	mock.Mock
}

func (m *MockInterpreter) Schema() domain.ModelSchema {
	args := m.Called()
	return args.Get(0).(domain.ModelSchema)
}

func (m *MockInterpreter) Invoke(ctx context.Context, input domain.Tensor) (domain.Tensor, error) {
	args := m.Called(ctx, input)
	return args.Get(0).(domain.Tensor), args.Error(1)
}

func (m *MockInterpreter) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockImagePreprocessor is a mock of ImagePreprocessor.
type MockImagePreprocessor struct {
	mock.Mock
}

func (m *MockImagePreprocessor) Tensorize(image []byte, input domain.TensorSpec) (domain.Tensor, error) {
	args := m.Called(image, input)
	return args.Get(0).(domain.Tensor), args.Error(1)
}

// MockCaptioner is a mock of Captioner.
type MockCaptioner struct {
	mock.Mock
}

func (m *MockCaptioner) Caption(ctx context.Context, image []byte) string {
	args := m.Called(ctx, image)
	return args.String(0)
}

// MockFakePhotoDetector is a mock of FakePhotoDetector.
type MockFakePhotoDetector struct {
	mock.Mock
}

func (m *MockFakePhotoDetector) IsFake(image []byte) bool {
	args := m.Called(image)
	return args.Bool(0)
}

// ClassifierSchema is a 224x224 RGB input with one score per class.
func ClassifierSchema(classes int) domain.ModelSchema {
	return domain.ModelSchema{
		Inputs: []domain.TensorSpec{
			{Index: 0, Name: "input", Shape: []int64{1, 224, 224, 3}, DataType: domain.TensorFP32},
		},
		Outputs: []domain.TensorSpec{
			{Index: 0, Name: "scores", Shape: []int64{1, int64(classes)}, DataType: domain.TensorFP32},
		},
	}
}
