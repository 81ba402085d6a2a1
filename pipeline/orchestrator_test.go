package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mlpipeline/inference"
	"mlpipeline/metrics"
	"mlpipeline/mlresult"
	"mlpipeline/mlruntime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// fakeBackend counts handle closes and echoes the input size.
type fakeBackend struct {
	name      string
	initErr   error
	panicInit bool
	delay     time.Duration
	inferErr  atomic.Pointer[error]
	closes    atomic.Int32
	calls     atomic.Int32
}

type fakeHandle struct{ owner *fakeBackend }

func (h *fakeHandle) Close() error {
	h.owner.closes.Add(1)
	return nil
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Initialize(context.Context) (mlruntime.Handle, error) {
	if b.panicInit {
		panic("driver crashed")
	}
	if b.initErr != nil {
		return nil, b.initErr
	}
	return &fakeHandle{owner: b}, nil
}

func (b *fakeBackend) Infer(_ context.Context, _ mlruntime.Handle, img image.Image) (inference.Inference, error) {
	b.calls.Add(1)
	time.Sleep(b.delay)
	if p := b.inferErr.Load(); p != nil {
		return inference.Inference{}, *p
	}
	return inference.Inference{
		Backend:     b.name,
		Confidence:  0.9,
		InputWidth:  img.Bounds().Dx(),
		InputHeight: img.Bounds().Dy(),
	}, nil
}

func (b *fakeBackend) failInfer(err error) { b.inferErr.Store(&err) }

// memRecorder is an in-memory Recorder.
type memRecorder struct {
	mu        sync.Mutex
	frames    []metrics.FrameRecord
	snapshots []metrics.PipelineMetrics
}

func (r *memRecorder) RecordFrame(rec metrics.FrameRecord) {
	r.mu.Lock()
	r.frames = append(r.frames, rec)
	r.mu.Unlock()
}

func (r *memRecorder) RecordSnapshot(s metrics.PipelineMetrics) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, s)
	r.mu.Unlock()
}

func (r *memRecorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func testFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 80, A: 255})
		}
	}
	return img
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TargetResolution = 64
	cfg.MetricsInterval = time.Hour
	cfg.PressureCooldown = 50 * time.Millisecond
	return cfg
}

func newTestOrchestrator(t *testing.T, backends []inference.Backend, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithMemoryReader(mlruntime.NewRatioReader(0.2)),
	}, opts...)
	o := New(backends, opts...)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func startedOrchestrator(t *testing.T, cfg Config, backends []inference.Backend, opts ...Option) *Orchestrator {
	t.Helper()
	o := newTestOrchestrator(t, backends, opts...)
	require.True(t, o.Initialize(context.Background(), cfg, nil).IsSuccess())
	require.True(t, o.Start().IsSuccess())
	return o
}

func TestInitialize_Classification(t *testing.T) {
	tests := []struct {
		name      string
		backends  func() []inference.Backend
		kind      mlresult.Kind
		cause     error
		retryable bool
		state     State
	}{
		{
			name: "all ready",
			backends: func() []inference.Backend {
				return []inference.Backend{&fakeBackend{name: "a"}, &fakeBackend{name: "b"}}
			},
			kind:  mlresult.KindSuccess,
			state: StateInitialized,
		},
		{
			name: "some ready",
			backends: func() []inference.Backend {
				return []inference.Backend{&fakeBackend{name: "a"}, &fakeBackend{name: "b", initErr: errors.New("no delegate")}}
			},
			kind:  mlresult.KindDegraded,
			cause: mlresult.ErrPartialInitialization,
			state: StateInitialized,
		},
		{
			name: "panicking backend counts as failed",
			backends: func() []inference.Backend {
				return []inference.Backend{&fakeBackend{name: "a"}, &fakeBackend{name: "b", panicInit: true}}
			},
			kind:  mlresult.KindDegraded,
			cause: mlresult.ErrPartialInitialization,
			state: StateInitialized,
		},
		{
			name: "none ready",
			backends: func() []inference.Backend {
				return []inference.Backend{&fakeBackend{name: "a", initErr: errors.New("missing model")}}
			},
			kind:  mlresult.KindError,
			cause: mlresult.ErrNoBackend,
			state: StateUninitialized,
		},
		{
			name: "none ready from exhaustion",
			backends: func() []inference.Backend {
				return []inference.Backend{&fakeBackend{name: "a", initErr: inference.Exhausted("delegate allocation")}}
			},
			kind:  mlresult.KindDegraded,
			cause: mlresult.ErrResourceExhausted,
			state: StateUninitialized,
		},
		{
			name:     "no backends configured",
			backends: func() []inference.Backend { return nil },
			kind:     mlresult.KindError,
			cause:    mlresult.ErrNoBackend,
			state:    StateUninitialized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(t, tt.backends())
			res := o.Initialize(context.Background(), testConfig(), nil)

			assert.Equal(t, tt.kind, res.Kind(), "result %v", res)
			if tt.cause != nil {
				assert.ErrorIs(t, res.Err(), tt.cause)
			}
			assert.Equal(t, tt.retryable, res.Retryable())
			assert.Equal(t, tt.state, o.State())
		})
	}
}

func TestInitialize_PartialMessage(t *testing.T) {
	o := newTestOrchestrator(t, []inference.Backend{
		&fakeBackend{name: "a"},
		&fakeBackend{name: "b", initErr: errors.New("no delegate")},
	})
	res := o.Initialize(context.Background(), testConfig(), nil)

	require.True(t, res.IsDegraded())
	assert.Equal(t, "limited ML capabilities", res.Message())
	assert.Equal(t, []string{"a"}, o.Status().ReadyBackends)
	assert.Equal(t, []string{"a", "b"}, o.Status().Backends)
}

func TestInitialize_RetryAfterRollback(t *testing.T) {
	b := &fakeBackend{name: "a", initErr: errors.New("missing model")}
	o := newTestOrchestrator(t, []inference.Backend{b})

	require.True(t, o.Initialize(context.Background(), testConfig(), nil).IsError())
	assert.False(t, o.Status().Initialized)

	b.initErr = nil
	require.True(t, o.Initialize(context.Background(), testConfig(), nil).IsSuccess())
	assert.Equal(t, StateInitialized, o.State())
}

func TestInitialize_OneShot(t *testing.T) {
	b := &fakeBackend{name: "a"}
	o := newTestOrchestrator(t, []inference.Backend{b})

	require.True(t, o.Initialize(context.Background(), testConfig(), nil).IsSuccess())
	first := o.comp.Load()

	require.True(t, o.Initialize(context.Background(), testConfig(), nil).IsSuccess())
	assert.Same(t, first, o.comp.Load(), "second Initialize must not rebuild")
	assert.EqualValues(t, 0, b.closes.Load())
}

func TestLifecycleCalls_Gated(t *testing.T) {
	o := newTestOrchestrator(t, []inference.Backend{&fakeBackend{name: "a"}})

	for name, call := range map[string]func() mlresult.Result[struct{}]{
		"Start":  o.Start,
		"Stop":   o.Stop,
		"Pause":  o.Pause,
		"Resume": o.Resume,
	} {
		res := call()
		assert.ErrorIs(t, res.Err(), mlresult.ErrNotInitialized, name)
		assert.False(t, res.Retryable(), name)
	}
}

func TestLifecycleCalls_StateMachine(t *testing.T) {
	o := newTestOrchestrator(t, []inference.Backend{&fakeBackend{name: "a"}})
	require.True(t, o.Initialize(context.Background(), testConfig(), nil).IsSuccess())
	sched := o.comp.Load().sched
	assert.True(t, sched.IsPaused(), "scheduler starts paused")

	assert.ErrorIs(t, o.Pause().Err(), mlresult.ErrNotRunning)

	require.True(t, o.Start().IsSuccess())
	require.True(t, o.Start().IsSuccess())
	assert.Equal(t, StateRunning, o.State())
	assert.False(t, sched.IsPaused())

	require.True(t, o.Pause().IsSuccess())
	assert.Equal(t, StatePaused, o.State())
	assert.True(t, sched.IsPaused())

	require.True(t, o.Resume().IsSuccess())
	assert.Equal(t, StateRunning, o.State())

	require.True(t, o.Stop().IsSuccess())
	require.True(t, o.Stop().IsSuccess())
	assert.Equal(t, StateInitialized, o.State())
	assert.True(t, sched.IsPaused())
}

func TestProcessFrame_NotRunning(t *testing.T) {
	backend := &fakeBackend{name: "a"}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, []inference.Backend{backend}, WithRecorder(rec))

	res := o.ProcessFrame(context.Background(), testFrame(8, 8), FrameOptions{})
	assert.ErrorIs(t, res.Err(), mlresult.ErrNotRunning)
	assert.False(t, res.Retryable())

	require.True(t, o.Initialize(context.Background(), testConfig(), nil).IsSuccess())
	require.True(t, o.Start().IsSuccess())
	require.True(t, o.Pause().IsSuccess())

	res = o.ProcessFrame(context.Background(), testFrame(8, 8), FrameOptions{})
	assert.ErrorIs(t, res.Err(), mlresult.ErrNotRunning)
	assert.False(t, res.Retryable())
	assert.Zero(t, o.Status().QueueLength, "paused pipeline queues nothing")
	assert.Zero(t, backend.calls.Load(), "paused pipeline runs no inference")
	assert.Zero(t, rec.frameCount())

	require.True(t, o.Resume().IsSuccess())
	res = o.ProcessFrame(context.Background(), testFrame(8, 8), FrameOptions{})
	assert.False(t, res.IsError(), "accepted again after Resume")
}

func TestProcessFrame_Queued(t *testing.T) {
	rec := &memRecorder{}
	o := startedOrchestrator(t, testConfig(), []inference.Backend{&fakeBackend{name: "a"}},
		WithRecorder(rec), WithIDGenerator(func() string { return "gen-1" }))

	res := o.ProcessFrame(context.Background(), testFrame(128, 96), FrameOptions{})
	require.True(t, res.IsSuccess())
	out, _ := res.Value()
	assert.Equal(t, "gen-1", out.ID)
	assert.Equal(t, metrics.PathQueued, out.Path)

	select {
	case fr := <-o.Results():
		assert.Equal(t, "gen-1", fr.ID)
		require.True(t, fr.Outcome.IsSuccess())
		inf, _ := fr.Outcome.Value()
		assert.Equal(t, 64, inf.InputWidth, "high tier resizes to the target resolution")
	case <-time.After(2 * time.Second):
		t.Fatal("queued frame never processed")
	}

	require.Eventually(t, func() bool { return rec.frameCount() == 1 }, time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, metrics.PathQueued, rec.frames[0].Path)
	assert.Equal(t, metrics.FrameStatusSuccess, rec.frames[0].Status)
	rec.mu.Unlock()
}

func TestProcessFrame_SyncWhenBackgroundProcessingOff(t *testing.T) {
	cfg := testConfig()
	cfg.BackgroundProcessing = false
	store := metrics.NewMetricsStore(metrics.DefaultStoreConfig(), time.Now())
	o := startedOrchestrator(t, cfg, []inference.Backend{&fakeBackend{name: "a"}}, WithMetricsStore(store))

	res := o.ProcessFrame(context.Background(), testFrame(100, 50), FrameOptions{ID: "f1"})
	require.True(t, res.IsSuccess(), "%v", res)
	out, _ := res.Value()
	assert.Equal(t, metrics.PathSync, out.Path)
	assert.Equal(t, "a", out.Inference.Backend)
	assert.Equal(t, 64, out.Inference.InputWidth)

	frames := store.GetRecentFrames(10)
	require.Len(t, frames, 1)
	assert.Equal(t, "f1", frames[0].ID)
	assert.Equal(t, metrics.PathSync, frames[0].Path)
}

func TestProcessFrame_QueueFullFallsBackToSync(t *testing.T) {
	o := newTestOrchestrator(t, []inference.Backend{&fakeBackend{name: "a"}})
	require.True(t, o.Initialize(context.Background(), testConfig(), nil).IsSuccess())

	// A backgrounded pipeline keeps accepting frames but does not drain them.
	o.OnLifecycleEvent(Backgrounded)
	require.True(t, o.Start().IsSuccess())
	require.True(t, o.comp.Load().sched.IsPaused())

	var paths []string
	for i := 0; i < 4; i++ {
		res := o.ProcessFrame(context.Background(), testFrame(32, 32), FrameOptions{})
		require.True(t, res.IsSuccess())
		out, _ := res.Value()
		paths = append(paths, out.Path)
	}
	assert.Equal(t, []string{metrics.PathQueued, metrics.PathQueued, metrics.PathQueued, metrics.PathSync}, paths)

	o.OnLifecycleEvent(Foregrounded)
	assert.False(t, o.comp.Load().sched.IsPaused())
}

func TestProcessFrame_DegradedUnderPressure(t *testing.T) {
	reader := mlruntime.NewRatioReader(0.95)
	b := &fakeBackend{name: "a"}
	o := startedOrchestrator(t, testConfig(), []inference.Backend{b}, WithMemoryReader(reader))

	res := o.ProcessFrame(context.Background(), testFrame(200, 100), FrameOptions{})
	require.True(t, res.IsDegraded(), "%v", res)
	assert.ErrorIs(t, res.Err(), mlresult.ErrResourceExhausted)
	assert.Equal(t, "processed with reduced resolution due to memory constraints", res.Message())

	out, ok := res.Value()
	require.True(t, ok, "degraded frame carries the partial inference")
	assert.Equal(t, metrics.PathDegraded, out.Path)
	assert.Equal(t, 100, out.Inference.InputWidth)
	assert.Equal(t, 50, out.Inference.InputHeight)

	t.Run("inference failure stays an error", func(t *testing.T) {
		b.failInfer(errors.New("delegate crashed"))
		res := o.ProcessFrame(context.Background(), testFrame(200, 100), FrameOptions{})
		require.True(t, res.IsError())
		assert.True(t, res.Retryable())
	})
}

func TestProcessFrame_BackendFallthrough(t *testing.T) {
	cfg := testConfig()
	cfg.BackgroundProcessing = false
	first := &fakeBackend{name: "remote"}
	first.failInfer(errors.New("503"))
	second := &fakeBackend{name: "local"}
	o := startedOrchestrator(t, cfg, []inference.Backend{first, second})

	res := o.ProcessFrame(context.Background(), testFrame(16, 16), FrameOptions{})
	require.True(t, res.IsSuccess())
	out, _ := res.Value()
	assert.Equal(t, "local", out.Inference.Backend)
	assert.EqualValues(t, 1, first.calls.Load())
}

func TestProcessFrame_NilImage(t *testing.T) {
	o := startedOrchestrator(t, testConfig(), []inference.Backend{&fakeBackend{name: "a"}})
	res := o.ProcessFrame(context.Background(), nil, FrameOptions{})
	require.True(t, res.IsError())
	assert.False(t, res.Retryable())
}

func TestHandleMemoryPressure_CooldownPausesScheduler(t *testing.T) {
	cfg := testConfig()
	cfg.BackgroundProcessing = false
	cfg.PressureCooldown = 300 * time.Millisecond
	b := &fakeBackend{name: "a"}
	b.failInfer(inference.Exhausted("delegate out of memory"))
	o := startedOrchestrator(t, cfg, []inference.Backend{b})
	sched := o.comp.Load().sched

	res := o.ProcessFrame(context.Background(), testFrame(16, 16), FrameOptions{})
	require.True(t, res.IsDegraded(), "%v", res)
	assert.Equal(t, "switched to low-memory mode", res.Message())

	assert.True(t, o.Status().PressureActive)
	assert.True(t, sched.IsPaused())

	require.Eventually(t, func() bool {
		return !o.Status().PressureActive && !sched.IsPaused()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleMemoryPressure_BeforeInitialize(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.HandleMemoryPressure()
	assert.False(t, o.Status().PressureActive)
}

func TestLifecycle_DestroyedResetsToUninitialized(t *testing.T) {
	bus := NewLifecycleBus(zaptest.NewLogger(t))
	b := &fakeBackend{name: "a"}
	o := newTestOrchestrator(t, []inference.Backend{b})

	require.True(t, o.Initialize(context.Background(), testConfig(), bus).IsSuccess())
	require.True(t, o.Start().IsSuccess())
	assert.Equal(t, 1, bus.ObserverCount())

	bus.Emit(Destroyed)

	assert.Equal(t, StateUninitialized, o.State())
	assert.EqualValues(t, 1, b.closes.Load(), "teardown closes backend handles")
	assert.Equal(t, 0, bus.ObserverCount())
	assert.ErrorIs(t, o.ProcessFrame(context.Background(), testFrame(8, 8), FrameOptions{}).Err(), mlresult.ErrNotRunning)

	require.True(t, o.Initialize(context.Background(), testConfig(), bus).IsSuccess())
	assert.Equal(t, 1, bus.ObserverCount())
}

func TestLifecycle_ForegroundOnlyResumesWhenRunning(t *testing.T) {
	o := newTestOrchestrator(t, []inference.Backend{&fakeBackend{name: "a"}})
	require.True(t, o.Initialize(context.Background(), testConfig(), nil).IsSuccess())
	sched := o.comp.Load().sched

	o.OnLifecycleEvent(Backgrounded)
	o.OnLifecycleEvent(Foregrounded)
	assert.True(t, sched.IsPaused(), "Initialized pipeline stays paused")

	require.True(t, o.Start().IsSuccess())
	o.OnLifecycleEvent(Backgrounded)
	assert.True(t, o.Status().Backgrounded)
	assert.Equal(t, StateRunning, o.State(), "backgrounding does not change state")
	assert.True(t, sched.IsPaused())

	o.OnLifecycleEvent(Foregrounded)
	assert.False(t, sched.IsPaused())
}

func TestShutdown_TerminalAndSingleFlight(t *testing.T) {
	a, b := &fakeBackend{name: "a"}, &fakeBackend{name: "b"}
	o := newTestOrchestrator(t, []inference.Backend{a, b})
	require.True(t, o.Initialize(context.Background(), testConfig(), nil).IsSuccess())
	require.True(t, o.Start().IsSuccess())
	sub, _ := o.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, o.Shutdown(context.Background()))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, a.closes.Load())
	assert.EqualValues(t, 1, b.closes.Load())
	assert.Equal(t, StateShutDown, o.State())

	for name, res := range map[string]mlresult.Result[struct{}]{
		"Initialize": o.Initialize(context.Background(), testConfig(), nil),
		"Start":      o.Start(),
		"Stop":       o.Stop(),
	} {
		assert.ErrorIs(t, res.Err(), mlresult.ErrAlreadyShutdown, name)
	}

	o.OnLifecycleEvent(Destroyed)
	assert.Equal(t, StateShutDown, o.State(), "no transition out of ShutDown")

	_, open := <-o.Results()
	assert.False(t, open, "Results closed")
	for range sub {
	}
}

func TestShutdown_ExpiredContextWhileInferring(t *testing.T) {
	slow := &fakeBackend{name: "slow", delay: 50 * time.Millisecond}
	rec := &memRecorder{}
	// The scheduler outlives the test here, so it must not log through t.
	o := startedOrchestrator(t, testConfig(), []inference.Backend{slow}, WithRecorder(rec), WithLogger(zap.NewNop()))

	res := o.ProcessFrame(context.Background(), testFrame(32, 32), FrameOptions{ID: "in-flight"})
	out, _ := res.Value()
	require.Equal(t, metrics.PathQueued, out.Path)
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_ = o.Shutdown(ctx)
	assert.Equal(t, StateShutDown, o.State())

	// The abandoned scheduler finishes the frame after Results is closed.
	require.Eventually(t, func() bool { return rec.frameCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	for range o.Results() {
	}
}

func TestStatus_Uninitialized(t *testing.T) {
	o := newTestOrchestrator(t, []inference.Backend{&fakeBackend{name: "a"}})
	st := o.Status()
	assert.Equal(t, "uninitialized", st.State)
	assert.Empty(t, st.ReadyBackends)
	assert.Equal(t, []string{"a"}, st.Backends)
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateUninitialized: "uninitialized",
		StateInitialized:   "initialized",
		StateRunning:       "running",
		StatePaused:        "paused",
		StateShutDown:      "shut_down",
		State(42):          "unknown",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}
}

func TestSimulatedBackend_EndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.BackgroundProcessing = false
	sim := inference.NewSimulatedBackend(inference.DefaultSimulatedConfig())
	o := startedOrchestrator(t, cfg, []inference.Backend{sim})

	res := o.ProcessFrame(context.Background(), testFrame(120, 80), FrameOptions{})
	require.True(t, res.IsSuccess(), "%v", res)
	out, _ := res.Value()
	assert.Len(t, out.Inference.Keypoints, len(inference.KeypointNames))
	assert.EqualValues(t, 1, sim.Calls())
}
