package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"incident-detector-service/internal/core/domain"
	output "incident-detector-service/internal/core/ports/output"
)

// maxLoadAttempts bounds how often a load restarts because the artifacts
// were replaced underneath it.
const maxLoadAttempts = 3

// ModelHandle is a loaded classifier together with its label list. It is
// shared read-only between concurrent requests. Every handle returned by Get
// must be given back with Release.
type ModelHandle struct {
	Schema   domain.ModelSchema
	Labels   []string
	Digest   string
	LoadedAt time.Time

	interpreter output.Interpreter

	refMu   sync.Mutex
	refs    int
	retired bool
	closed  bool
}

// Classify runs one forward pass and picks the best scoring label.
func (h *ModelHandle) Classify(ctx context.Context, input domain.Tensor) (*domain.ClassificationResult, error) {
	out, err := h.interpreter.Invoke(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInference, err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("%w: empty output tensor", domain.ErrInference)
	}
	if len(out.Data) != len(h.Labels) {
		return nil, fmt.Errorf("%w: %d scores for %d labels", domain.ErrInference, len(out.Data), len(h.Labels))
	}

	best := 0
	scores := make([]float64, len(out.Data))
	for i, v := range out.Data {
		scores[i] = float64(v)
		if v > out.Data[best] {
			best = i
		}
	}

	return &domain.ClassificationResult{
		Label:      h.Labels[best],
		Confidence: scores[best],
		RawScores:  scores,
	}, nil
}

// Release gives the handle back. A retired handle closes its interpreter
// when the last user releases it.
func (h *ModelHandle) Release() {
	h.refMu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	closeNow := h.retired && h.refs == 0 && !h.closed
	if closeNow {
		h.closed = true
	}
	h.refMu.Unlock()

	if closeNow {
		h.closeInterpreter()
	}
}

func (h *ModelHandle) acquire() bool {
	h.refMu.Lock()
	defer h.refMu.Unlock()
	if h.retired {
		return false
	}
	h.refs++
	return true
}

// retire stops new users and reports whether the caller must close the
// interpreter now.
func (h *ModelHandle) retire() bool {
	h.refMu.Lock()
	defer h.refMu.Unlock()
	h.retired = true
	if h.refs > 0 || h.closed {
		return false
	}
	h.closed = true
	return true
}

func (h *ModelHandle) closeInterpreter() {
	if h.interpreter == nil {
		return
	}
	if err := h.interpreter.Close(); err != nil {
		log.WithError(err).WithField("digest", h.Digest).Warn("failed to close retired model")
	}
}

// ModelLifecycleManager owns the single live model handle. The handle is
// loaded on first use and dropped by Invalidate or Replace. Loads run one at
// a time and every concurrent caller sees the same result.
type ModelLifecycleManager struct {
	engine     output.InferenceEngine
	fs         afero.Fs
	modelPath  string
	labelsPath string
	now        func() time.Time

	mu         sync.Mutex
	handle     *ModelHandle
	generation uint64
	loads      int64
	lastErr    error

	group singleflight.Group
}

func NewModelLifecycleManager(engine output.InferenceEngine, fsys afero.Fs, modelPath, labelsPath string) *ModelLifecycleManager {
	return &ModelLifecycleManager{
		engine:     engine,
		fs:         fsys,
		modelPath:  modelPath,
		labelsPath: labelsPath,
		now:        time.Now,
	}
}

// Get returns the live handle, loading it from disk when there is none.
// The caller must Release the handle when done with it.
func (m *ModelLifecycleManager) Get(ctx context.Context) (*ModelHandle, error) {
	// The load outlives any single caller; callers only stop waiting.
	loadCtx := context.WithoutCancel(ctx)
	for {
		if h := m.live(); h != nil {
			return h, nil
		}

		ch := m.group.DoChan("load", func() (interface{}, error) {
			return m.load(loadCtx)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			if h := res.Val.(*ModelHandle); h.acquire() {
				return h, nil
			}
			// Invalidated between install and pickup.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *ModelLifecycleManager) live() *ModelHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil && m.handle.acquire() {
		return m.handle
	}
	return nil
}

// Invalidate drops the live handle; the next Get reloads from disk.
func (m *ModelLifecycleManager) Invalidate() {
	m.mu.Lock()
	retired := m.invalidateLocked("explicit")
	m.mu.Unlock()

	if retired != nil {
		retired.closeInterpreter()
	}
}

// Replace runs commit and, if it succeeds, invalidates the handle without
// releasing the lock in between.
func (m *ModelLifecycleManager) Replace(commit func() error) error {
	m.mu.Lock()
	if err := commit(); err != nil {
		m.mu.Unlock()
		return err
	}
	retired := m.invalidateLocked("artifact replaced")
	m.mu.Unlock()

	if retired != nil {
		retired.closeInterpreter()
	}
	return nil
}

// invalidateLocked returns the dropped handle when nobody uses it anymore
// and its interpreter must be closed.
func (m *ModelLifecycleManager) invalidateLocked(cause string) *ModelHandle {
	m.generation++
	fields := log.Fields{"generation": m.generation, "cause": cause}
	h := m.handle
	if h == nil {
		log.WithFields(fields).Debug("model invalidated while unloaded")
		return nil
	}
	m.handle = nil
	log.WithFields(fields).Info("model invalidated, reload on next request")
	if h.retire() {
		return h
	}
	return nil
}

// Status snapshots the lifecycle for diagnostics.
func (m *ModelLifecycleManager) Status() domain.ModelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := domain.ModelStatus{
		Loaded:     m.handle != nil,
		Loads:      m.loads,
		Generation: m.generation,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	if h := m.handle; h != nil {
		loadedAt := h.LoadedAt
		schema := h.Schema
		st.LoadedAt = &loadedAt
		st.Schema = &schema
		st.Labels = append([]string(nil), h.Labels...)
		st.Digest = h.Digest
	}
	return st
}

// load builds and installs a handle. It only runs under the singleflight
// key, so at most one build is in flight. A build that an invalidation
// overtook is thrown away and started again from the new files.
func (m *ModelLifecycleManager) load(ctx context.Context) (*ModelHandle, error) {
	for attempt := 1; attempt <= maxLoadAttempts; attempt++ {
		m.mu.Lock()
		gen := m.generation
		m.loads++
		m.mu.Unlock()

		start := m.now()
		handle, err := m.build(ctx)

		m.mu.Lock()
		if m.generation != gen {
			current := m.generation
			m.mu.Unlock()
			log.WithFields(log.Fields{
				"loaded_generation":  gen,
				"current_generation": current,
				"attempt":            attempt,
			}).Info("model artifacts changed during load, reloading")
			if handle != nil {
				handle.closeInterpreter()
			}
			continue
		}
		if err != nil {
			m.lastErr = err
			m.mu.Unlock()
			log.WithError(err).WithField("generation", gen).Error("model load failed")
			return nil, err
		}
		m.lastErr = nil
		m.handle = handle
		m.mu.Unlock()

		log.WithFields(log.Fields{
			"labels":      len(handle.Labels),
			"digest":      handle.Digest,
			"generation":  gen,
			"duration_ms": m.now().Sub(start).Milliseconds(),
		}).Info("model loaded")
		return handle, nil
	}

	err := &domain.ModelLoadError{Path: m.modelPath, Err: errors.New("artifacts replaced during every load attempt")}
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	log.WithError(err).Error("model load failed")
	return nil, err
}

func (m *ModelLifecycleManager) build(ctx context.Context) (*ModelHandle, error) {
	labels, err := m.readLabels()
	if err != nil {
		return nil, &domain.ModelLoadError{Path: m.labelsPath, Err: err}
	}

	model, err := m.readArtifact(m.modelPath)
	if err != nil {
		return nil, &domain.ModelLoadError{Path: m.modelPath, Err: err}
	}

	interp, err := m.engine.Load(ctx, model)
	if err != nil {
		return nil, &domain.ModelLoadError{Path: m.modelPath, Err: err}
	}

	schema := interp.Schema()
	if _, ok := schema.Input(); !ok {
		_ = interp.Close()
		return nil, &domain.ModelLoadError{Path: m.modelPath, Err: errors.New("model declares no input tensor")}
	}
	if classes := schema.ClassCount(); classes != len(labels) {
		_ = interp.Close()
		return nil, &domain.ModelLoadError{
			Path: m.labelsPath,
			Err:  fmt.Errorf("%w: %d labels, %d model outputs", domain.ErrLabelMismatch, len(labels), classes),
		}
	}

	sum := sha256.Sum256(model)
	return &ModelHandle{
		Schema:      schema,
		Labels:      labels,
		Digest:      hex.EncodeToString(sum[:]),
		LoadedAt:    m.now(),
		interpreter: interp,
	}, nil
}

func (m *ModelLifecycleManager) readArtifact(path string) ([]byte, error) {
	data, err := afero.ReadFile(m.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrModelArtifactMissing
		}
		return nil, err
	}
	return data, nil
}

func (m *ModelLifecycleManager) readLabels() ([]string, error) {
	data, err := m.readArtifact(m.labelsPath)
	if err != nil {
		return nil, err
	}
	content := strings.TrimRight(string(data), " \t\r\n")
	if content == "" {
		return nil, errors.New("label file is empty")
	}

	lines := strings.Split(content, "\n")
	labels := make([]string, len(lines))
	for i, line := range lines {
		labels[i] = strings.TrimSpace(line)
	}
	return labels, nil
}
