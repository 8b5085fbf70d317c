package kserve

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"incident-detector-service/internal/config"
	"incident-detector-service/internal/core/domain"
	output "incident-detector-service/internal/core/ports/output"
)

// modelFileParam is the repository override key for the single model file.
const modelFileParam = "file:1/model.tflite"

type inferenceEngine struct {
	baseURL     string
	modelName   string
	modelConfig json.RawMessage
	client      *http.Client

	seq atomic.Uint64
}

// NewInferenceEngine creates an InferenceEngine that serves the classifier
// through an Open Inference Protocol (v2) runtime such as KServe or Triton.
func NewInferenceEngine(cfg *config.InferenceConfig) (output.InferenceEngine, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("inference url is required")
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("inference model name is required")
	}

	var modelConfig json.RawMessage
	if cfg.ModelConfig != "" {
		if !json.Valid([]byte(cfg.ModelConfig)) {
			return nil, fmt.Errorf("inference model config is not valid JSON")
		}
		modelConfig = json.RawMessage(cfg.ModelConfig)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &inferenceEngine{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		modelName:   cfg.ModelName,
		modelConfig: modelConfig,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Open Inference Protocol structures
type loadRequest struct {
	Parameters map[string]any `json:"parameters"`
}

type tensorMetadata struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
}

type modelMetadata struct {
	Name    string           `json:"name"`
	Inputs  []tensorMetadata `json:"inputs"`
	Outputs []tensorMetadata `json:"outputs"`
}

type inferTensor struct {
	Name     string    `json:"name"`
	Shape    []int64   `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type inferRequest struct {
	Inputs  []inferTensor     `json:"inputs"`
	Outputs []requestedOutput `json:"outputs,omitempty"`
}

type requestedOutput struct {
	Name string `json:"name"`
}

type inferResponse struct {
	ModelName string        `json:"model_name"`
	Outputs   []inferTensor `json:"outputs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Load registers model under its own runtime name, so handles from earlier
// loads keep serving the model they were built from until they are closed.
func (e *inferenceEngine) Load(ctx context.Context, model []byte) (output.Interpreter, error) {
	name := e.runtimeName(model)

	params := map[string]any{
		modelFileParam: base64.StdEncoding.EncodeToString(model),
	}
	if e.modelConfig != nil {
		params["config"] = string(e.modelConfig)
	}

	if err := e.post(ctx, e.repositoryPath(name, "load"), loadRequest{Parameters: params}, nil); err != nil {
		return nil, fmt.Errorf("load model %s: %w", name, err)
	}

	interp := &interpreter{engine: e, name: name}
	var meta modelMetadata
	if err := e.get(ctx, e.modelPath(name, ""), &meta); err != nil {
		_ = interp.Close()
		return nil, fmt.Errorf("model metadata %s: %w", name, err)
	}
	interp.schema = toSchema(meta)
	return interp, nil
}

// runtimeName is <model>-<digest prefix>-<load sequence>.
func (e *inferenceEngine) runtimeName(model []byte) string {
	sum := sha256.Sum256(model)
	return fmt.Sprintf("%s-%s-%d", e.modelName, hex.EncodeToString(sum[:])[:12], e.seq.Add(1))
}

func (e *inferenceEngine) repositoryPath(name, action string) string {
	return fmt.Sprintf("%s/v2/repository/models/%s/%s", e.baseURL, url.PathEscape(name), action)
}

func (e *inferenceEngine) modelPath(name, suffix string) string {
	p := fmt.Sprintf("%s/v2/models/%s", e.baseURL, url.PathEscape(name))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (e *inferenceEngine) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return e.do(req, out)
}

func (e *inferenceEngine) post(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(req, out)
}

func (e *inferenceEngine) do(req *http.Request, out any) error {
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, er.Error)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func toSchema(meta modelMetadata) domain.ModelSchema {
	convert := func(in []tensorMetadata) []domain.TensorSpec {
		specs := make([]domain.TensorSpec, 0, len(in))
		for i, t := range in {
			specs = append(specs, domain.TensorSpec{
				Index:    i,
				Name:     t.Name,
				Shape:    append([]int64(nil), t.Shape...),
				DataType: domain.TensorType(t.Datatype),
			})
		}
		return specs
	}
	return domain.ModelSchema{Inputs: convert(meta.Inputs), Outputs: convert(meta.Outputs)}
}

type interpreter struct {
	engine *inferenceEngine
	name   string
	schema domain.ModelSchema
}

func (i *interpreter) Schema() domain.ModelSchema {
	return i.schema
}

func (i *interpreter) Invoke(ctx context.Context, input domain.Tensor) (domain.Tensor, error) {
	name := input.Name
	if in, ok := i.schema.Input(); ok && name == "" {
		name = in.Name
	}

	req := inferRequest{
		Inputs: []inferTensor{{
			Name:     name,
			Shape:    input.Shape,
			Datatype: string(domain.TensorFP32),
			Data:     input.Data,
		}},
	}
	out, hasOutput := i.schema.Output()
	if hasOutput {
		req.Outputs = []requestedOutput{{Name: out.Name}}
	}

	var resp inferResponse
	if err := i.engine.post(ctx, i.engine.modelPath(i.name, "infer"), req, &resp); err != nil {
		return domain.Tensor{}, fmt.Errorf("infer %s: %w", i.name, err)
	}
	if len(resp.Outputs) == 0 {
		return domain.Tensor{}, fmt.Errorf("infer %s: response has no outputs", i.name)
	}

	result := resp.Outputs[0]
	if hasOutput {
		for _, o := range resp.Outputs {
			if o.Name == out.Name {
				result = o
				break
			}
		}
	}
	return domain.Tensor{Name: result.Name, Shape: result.Shape, Data: result.Data}, nil
}

// Close unloads this interpreter's model version from the runtime.
func (i *interpreter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := i.engine.post(ctx, i.engine.repositoryPath(i.name, "unload"), struct{}{}, nil); err != nil {
		return fmt.Errorf("unload model %s: %w", i.name, err)
	}
	return nil
}
