package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"incident-detector-service/internal/core/domain"
	output "incident-detector-service/internal/core/ports/output"
	"incident-detector-service/internal/testutil"
)

// staticInterpreter always returns the same scores.
type staticInterpreter struct {
	schema domain.ModelSchema
	scores []float32
	model  string
	closed atomic.Bool
}

func (i *staticInterpreter) Schema() domain.ModelSchema { return i.schema }

func (i *staticInterpreter) Invoke(_ context.Context, _ domain.Tensor) (domain.Tensor, error) {
	return domain.Tensor{Name: "scores", Shape: []int64{1, int64(len(i.scores))}, Data: i.scores}, nil
}

func (i *staticInterpreter) Close() error {
	i.closed.Store(true)
	return nil
}

// gatedEngine counts loads and can hold them until the gate is closed.
type gatedEngine struct {
	loads       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
	gate        chan struct{}
	classes     int
	scores      []float32
	err         error

	mu      sync.Mutex
	last    *staticInterpreter
	interps []*staticInterpreter
}

func (e *gatedEngine) interp(i int) *staticInterpreter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interps[i]
}

func (e *gatedEngine) Load(_ context.Context, model []byte) (output.Interpreter, error) {
	e.loads.Add(1)
	n := e.inflight.Add(1)
	defer e.inflight.Add(-1)
	for {
		peak := e.maxInflight.Load()
		if n <= peak || e.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}
	if e.gate != nil {
		<-e.gate
	}
	if e.err != nil {
		return nil, e.err
	}
	interp := &staticInterpreter{
		schema: testutil.ClassifierSchema(e.classes),
		scores: e.scores,
		model:  string(model),
	}
	e.mu.Lock()
	e.last = interp
	e.interps = append(e.interps, interp)
	e.mu.Unlock()
	return interp, nil
}

const (
	testModelPath  = "/srv/models/final_model_latest.tflite"
	testLabelsPath = "/srv/models/labels_full.txt"
)

func seedArtifacts(t *testing.T, fs afero.Fs, model, labels string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, testModelPath, []byte(model), 0o644))
	require.NoError(t, afero.WriteFile(fs, testLabelsPath, []byte(labels), 0o644))
}

func TestModelLifecycle_LoadsLazily(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nnone-accident\nroad\n")
	engine := &gatedEngine{classes: 3}

	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)
	assert.False(t, mgr.Status().Loaded)
	assert.Equal(t, int32(0), engine.loads.Load())

	h1, err := mgr.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fire", "none-accident", "road"}, h1.Labels)
	assert.NotEmpty(t, h1.Digest)

	h2, err := mgr.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, int32(1), engine.loads.Load())

	st := mgr.Status()
	assert.True(t, st.Loaded)
	assert.Equal(t, int64(1), st.Loads)
	assert.Len(t, st.Labels, 3)
	require.NotNil(t, st.LoadedAt)
}

func TestModelLifecycle_ConcurrentGetLoadsOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nnone-accident\nroad")
	engine := &gatedEngine{classes: 3, gate: make(chan struct{})}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	const callers = 32
	handles := make([]*ModelHandle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = mgr.Get(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return engine.loads.Load() == 1 }, time.Second, time.Millisecond)
	close(engine.gate)
	wg.Wait()

	assert.Equal(t, int32(1), engine.loads.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
}

func TestModelLifecycle_ConcurrentGetSharesFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	engine := &gatedEngine{classes: 2, gate: make(chan struct{}), err: errors.New("unsupported op")}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = mgr.Get(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return engine.loads.Load() >= 1 }, time.Second, time.Millisecond)
	close(engine.gate)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrModelLoad)
	}
	assert.False(t, mgr.Status().Loaded)
}

func TestModelLifecycle_InvalidateForcesReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	engine := &gatedEngine{classes: 2}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	h1, err := mgr.Get(context.Background())
	require.NoError(t, err)

	// Rewritten on disk without any sync involved.
	require.NoError(t, afero.WriteFile(fs, testModelPath, []byte("model-v2"), 0o644))
	require.NoError(t, afero.WriteFile(fs, testLabelsPath, []byte("flood\nroad"), 0o644))

	h2, err := mgr.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, h1, h2, "no reload without invalidation")

	mgr.Invalidate()
	assert.False(t, mgr.Status().Loaded)

	h3, err := mgr.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, h1, h3)
	assert.NotEqual(t, h1.Digest, h3.Digest)
	assert.Equal(t, []string{"flood", "road"}, h3.Labels)
	assert.Equal(t, int32(2), engine.loads.Load())
}

func TestModelLifecycle_InvalidateWhileUnloadedIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr := NewModelLifecycleManager(&gatedEngine{classes: 2}, fs, testModelPath, testLabelsPath)

	assert.NotPanics(t, func() {
		mgr.Invalidate()
		mgr.Invalidate()
	})
	assert.False(t, mgr.Status().Loaded)
}

func TestModelLifecycle_MissingArtifactDoesNotPoison(t *testing.T) {
	fs := afero.NewMemMapFs()
	engine := &gatedEngine{classes: 2}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	_, err := mgr.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelLoad)
	assert.ErrorIs(t, err, domain.ErrModelArtifactMissing)

	var loadErr *domain.ModelLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, testLabelsPath, loadErr.Path)

	st := mgr.Status()
	assert.False(t, st.Loaded)
	assert.NotEmpty(t, st.LastError)

	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	h, err := mgr.Get(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.Labels, 2)
	assert.Empty(t, mgr.Status().LastError)
}

func TestModelLifecycle_MissingModelFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testLabelsPath, []byte("fire\nroad"), 0o644))
	mgr := NewModelLifecycleManager(&gatedEngine{classes: 2}, fs, testModelPath, testLabelsPath)

	_, err := mgr.Get(context.Background())

	var loadErr *domain.ModelLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, testModelPath, loadErr.Path)
	assert.ErrorIs(t, err, domain.ErrModelArtifactMissing)
}

func TestModelLifecycle_RejectsLabelMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	engine := &gatedEngine{classes: 3}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	_, err := mgr.Get(context.Background())

	assert.ErrorIs(t, err, domain.ErrModelLoad)
	assert.ErrorIs(t, err, domain.ErrLabelMismatch)
	assert.False(t, mgr.Status().Loaded)
	require.NotNil(t, engine.last)
	assert.True(t, engine.last.closed.Load())
}

func TestModelLifecycle_RejectsEmptyLabelFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "\n\n")
	mgr := NewModelLifecycleManager(&gatedEngine{classes: 2}, fs, testModelPath, testLabelsPath)

	_, err := mgr.Get(context.Background())
	assert.ErrorIs(t, err, domain.ErrModelLoad)
}

func TestModelLifecycle_EngineFailureWithMock(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	engine := new(testutil.MockInferenceEngine)
	engine.On("Load", mock.Anything, []byte("model-v1")).Return(nil, errors.New("flatbuffer verification failed")).Once()

	interp := new(testutil.MockInterpreter)
	interp.On("Schema").Return(testutil.ClassifierSchema(2))
	engine.On("Load", mock.Anything, []byte("model-v1")).Return(interp, nil).Once()

	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	_, err := mgr.Get(context.Background())
	assert.ErrorIs(t, err, domain.ErrModelLoad)

	h, err := mgr.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.ClassifierSchema(2), h.Schema)
	engine.AssertExpectations(t)
}

func TestModelLifecycle_ReplaceInvalidatesAtomically(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	engine := &gatedEngine{classes: 2}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	_, err := mgr.Get(context.Background())
	require.NoError(t, err)
	gen := mgr.Status().Generation

	err = mgr.Replace(func() error {
		assert.True(t, mgr.handle != nil, "handle still live while the file is swapped")
		return afero.WriteFile(fs, testModelPath, []byte("model-v2"), 0o644)
	})
	require.NoError(t, err)

	st := mgr.Status()
	assert.False(t, st.Loaded)
	assert.Equal(t, gen+1, st.Generation)

	h, err := mgr.Get(context.Background())
	require.NoError(t, err)
	engine.mu.Lock()
	assert.Equal(t, "model-v2", engine.last.model)
	engine.mu.Unlock()
	assert.NotNil(t, h)
}

func TestModelLifecycle_FailedReplaceKeepsHandle(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	mgr := NewModelLifecycleManager(&gatedEngine{classes: 2}, fs, testModelPath, testLabelsPath)

	h1, err := mgr.Get(context.Background())
	require.NoError(t, err)

	err = mgr.Replace(func() error { return errors.New("rename failed") })
	require.Error(t, err)

	h2, err := mgr.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, h1, h2)
}

func TestModelLifecycle_InvalidateDuringLoadReloads(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	engine := &gatedEngine{classes: 2, gate: make(chan struct{})}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	done := make(chan *ModelHandle)
	go func() {
		h, err := mgr.Get(context.Background())
		assert.NoError(t, err)
		done <- h
	}()

	require.Eventually(t, func() bool { return engine.loads.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, afero.WriteFile(fs, testModelPath, []byte("model-v2"), 0o644))
	mgr.Invalidate()
	close(engine.gate)

	h := <-done
	require.NotNil(t, h)
	assert.True(t, mgr.Status().Loaded)
	assert.Equal(t, int32(2), engine.loads.Load())
	assert.Equal(t, "model-v2", engine.interp(1).model)
	assert.True(t, engine.interp(0).closed.Load(), "superseded build is closed")
	assert.False(t, engine.interp(1).closed.Load())

	again, err := mgr.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, h, again)
}

func TestModelLifecycle_GetAfterInvalidateWaitsForRunningLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	engine := &gatedEngine{classes: 2, gate: make(chan struct{})}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	handles := make([]*ModelHandle, 2)
	var wg sync.WaitGroup
	get := func(i int) {
		defer wg.Done()
		h, err := mgr.Get(context.Background())
		assert.NoError(t, err)
		handles[i] = h
	}

	wg.Add(1)
	go get(0)
	require.Eventually(t, func() bool { return engine.loads.Load() == 1 }, time.Second, time.Millisecond)

	mgr.Invalidate()
	wg.Add(1)
	go get(1)
	assert.Never(t, func() bool { return engine.loads.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	close(engine.gate)
	wg.Wait()

	assert.Equal(t, int32(1), engine.maxInflight.Load(), "loads never overlap")
	assert.Equal(t, int32(2), engine.loads.Load())
	require.NotNil(t, handles[0])
	assert.Same(t, handles[0], handles[1])
	assert.True(t, mgr.Status().Loaded)
	assert.False(t, engine.interp(1).closed.Load())
}

func TestModelLifecycle_OldHandleKeepsItsInterpreterUntilReleased(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	engine := &gatedEngine{classes: 2, scores: []float32{0.8, 0.2}}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	h1, err := mgr.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, testModelPath, []byte("model-v2"), 0o644))
	mgr.Invalidate()
	h2, err := mgr.Get(context.Background())
	require.NoError(t, err)
	require.NotSame(t, h1, h2)

	old, live := engine.interp(0), engine.interp(1)
	assert.Equal(t, "model-v1", old.model)
	assert.False(t, old.closed.Load(), "still in use by h1")

	res, err := h1.Classify(context.Background(), domain.Tensor{})
	require.NoError(t, err)
	assert.Equal(t, "fire", res.Label)

	h1.Release()
	assert.True(t, old.closed.Load())
	assert.False(t, live.closed.Load())

	h2.Release()
	assert.False(t, live.closed.Load(), "the live handle stays open")

	h3, err := mgr.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, h2, h3)
}

func TestModelLifecycle_ReplaceWhileUnusedClosesInterpreter(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	engine := &gatedEngine{classes: 2}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	h, err := mgr.Get(context.Background())
	require.NoError(t, err)
	h.Release()

	require.NoError(t, mgr.Replace(func() error {
		return afero.WriteFile(fs, testModelPath, []byte("model-v2"), 0o644)
	}))
	assert.True(t, engine.interp(0).closed.Load())
}

func TestModelLifecycle_CallerCancellationDoesNotAbortLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nroad")
	engine := &gatedEngine{classes: 2, gate: make(chan struct{})}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		_, err := mgr.Get(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return engine.loads.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(engine.gate)
	require.Eventually(t, func() bool { return mgr.Status().Loaded }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), engine.loads.Load())
}

func TestModelHandle_Classify(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedArtifacts(t, fs, "model-v1", "fire\nnone-accident\nroad")
	engine := &gatedEngine{classes: 3, scores: []float32{0.92, 0.05, 0.03}}
	mgr := NewModelLifecycleManager(engine, fs, testModelPath, testLabelsPath)

	h, err := mgr.Get(context.Background())
	require.NoError(t, err)

	res, err := h.Classify(context.Background(), domain.Tensor{})
	require.NoError(t, err)
	assert.Equal(t, "fire", res.Label)
	assert.InDelta(t, 0.92, res.Confidence, 1e-6)
	assert.Len(t, res.RawScores, 3)
}

func TestModelHandle_ClassifyRejectsScoreCountMismatch(t *testing.T) {
	tests := []struct {
		name   string
		scores []float32
	}{
		{"best index outside labels", []float32{0.1, 0.2, 0.7}},
		{"best index inside labels", []float32{0.7, 0.2, 0.1}},
		{"fewer scores than labels", []float32{0.9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &ModelHandle{
				Labels:      []string{"fire", "road"},
				interpreter: &staticInterpreter{scores: tt.scores},
			}

			_, err := h.Classify(context.Background(), domain.Tensor{})
			assert.ErrorIs(t, err, domain.ErrInference)
		})
	}
}

func TestModelHandle_ClassifyInvokeError(t *testing.T) {
	interp := new(testutil.MockInterpreter)
	interp.On("Invoke", mock.Anything, mock.Anything).Return(domain.Tensor{}, errors.New("503 model unavailable"))
	h := &ModelHandle{Labels: []string{"fire"}, interpreter: interp}

	_, err := h.Classify(context.Background(), domain.Tensor{})
	assert.ErrorIs(t, err, domain.ErrInference)
}
