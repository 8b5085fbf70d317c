package domain

import "time"

type TensorType string

const (
	TensorFP32 TensorType = "FP32"
)

// TensorSpec binds one model input or output.
type TensorSpec struct {
	Index    int        `json:"index"`
	Name     string     `json:"name"`
	Shape    []int64    `json:"shape"`
	DataType TensorType `json:"datatype"`
}

// ModelSchema lists the tensors a loaded model consumes and produces.
type ModelSchema struct {
	Inputs  []TensorSpec `json:"inputs"`
	Outputs []TensorSpec `json:"outputs"`
}

// Input returns the first input tensor, which is the one images are bound to.
func (s ModelSchema) Input() (TensorSpec, bool) {
	if len(s.Inputs) == 0 {
		return TensorSpec{}, false
	}
	return s.Inputs[0], true
}

// Output returns the first output tensor, the class score vector.
func (s ModelSchema) Output() (TensorSpec, bool) {
	if len(s.Outputs) == 0 {
		return TensorSpec{}, false
	}
	return s.Outputs[0], true
}

// ClassCount is the last dimension of the score output, or -1 when unknown.
func (s ModelSchema) ClassCount() int {
	out, ok := s.Output()
	if !ok || len(out.Shape) == 0 {
		return -1
	}
	n := out.Shape[len(out.Shape)-1]
	if n <= 0 {
		return -1
	}
	return int(n)
}

// Tensor is a dense FP32 tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// ModelStatus is a point-in-time view of the model lifecycle.
type ModelStatus struct {
	Loaded     bool         `json:"loaded"`
	LoadedAt   *time.Time   `json:"loaded_at,omitempty"`
	Labels     []string     `json:"labels,omitempty"`
	Schema     *ModelSchema `json:"schema,omitempty"`
	Digest     string       `json:"digest,omitempty"`
	Loads      int64        `json:"loads"`
	Generation uint64       `json:"generation"`
	LastError  string       `json:"last_error,omitempty"`
}
