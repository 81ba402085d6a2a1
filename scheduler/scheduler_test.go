package scheduler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"mlpipeline/inference"
	"mlpipeline/mlresult"
	"mlpipeline/mlruntime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testPool(t *testing.T, ratio float64) *mlruntime.BufferPool {
	t.Helper()
	return mlruntime.NewBufferPool(mlruntime.DefaultPoolSize,
		mlruntime.NewPressureMonitor(mlruntime.NewRatioReader(ratio)),
		mlruntime.WithReclaimHint(func() {}))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseFPS = 100
	cfg.MinFPS = 50
	cfg.MaxFPS = 200
	return cfg
}

// recorder collects sink callbacks and the image sizes seen by inference.
type recorder struct {
	mu      sync.Mutex
	results []FrameResult
	sizes   []int
}

func (r *recorder) sink(fr FrameResult) {
	r.mu.Lock()
	r.results = append(r.results, fr)
	r.mu.Unlock()
}

func (r *recorder) infer(_ context.Context, img image.Image) mlresult.Result[inference.Inference] {
	r.mu.Lock()
	r.sizes = append(r.sizes, img.Bounds().Dx())
	r.mu.Unlock()
	return mlresult.Success(inference.Inference{Backend: "fake", InputWidth: img.Bounds().Dx()})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *recorder) snapshot() ([]FrameResult, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FrameResult(nil), r.results...), append([]int(nil), r.sizes...)
}

func frame(id string) FrameRequest {
	return FrameRequest{ID: id, Image: image.NewRGBA(image.Rect(0, 0, 320, 240)), Timestamp: time.Now()}
}

func TestSubmit_PausedQueueSaturates(t *testing.T) {
	rec := &recorder{}
	s := New(DefaultConfig(), testPool(t, 0.3), rec.infer, WithLogger(zaptest.NewLogger(t)))
	s.Pause()
	require.NoError(t, s.Start())
	defer s.Stop()

	var got []bool
	for i := 0; i < 4; i++ {
		got = append(got, s.Submit(frame(fmt.Sprint(i))))
	}

	assert.Equal(t, []bool{true, true, true, false}, got)
	assert.Equal(t, 3, s.QueueLen())
	assert.EqualValues(t, 1, s.Stats().Rejected)
	assert.Zero(t, rec.count(), "paused scheduler must not dequeue")
}

func TestScheduler_ProcessesFIFO(t *testing.T) {
	rec := &recorder{}
	s := New(fastConfig(), testPool(t, 0.3), rec.infer, WithResultSink(rec.sink))
	s.Pause()
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, s.Submit(frame(id)))
	}
	require.NoError(t, s.Start())
	s.Resume()

	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	results, sizes := rec.snapshot()
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "c", results[2].ID)
	assert.Equal(t, []int{256, 256, 256}, sizes)
	for _, r := range results {
		assert.True(t, r.Outcome.IsSuccess())
		assert.Equal(t, TierHigh, r.Tier)
		assert.GreaterOrEqual(t, r.QueueTime, time.Duration(0))
	}
	assert.Zero(t, s.QueueLen())

	stats := s.Stats()
	assert.EqualValues(t, 3, stats.Processed)
	assert.EqualValues(t, 3, stats.Succeeded)
}

func TestScheduler_TierFollowsConditions(t *testing.T) {
	rec := &recorder{}
	cond := func() Conditions { return Conditions{MemoryPressure: 0.85, Battery: 1} }
	cfg := fastConfig()
	s := New(cfg, testPool(t, 0.3), rec.infer, WithConditions(cond), WithResultSink(rec.sink))
	require.NoError(t, s.Start())
	defer s.Stop()

	require.True(t, s.Submit(frame("low")))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	results, sizes := rec.snapshot()
	assert.Equal(t, TierLow, results[0].Tier)
	assert.Equal(t, 128, results[0].Resolution)
	assert.Equal(t, []int{128}, sizes)
	assert.Equal(t, TierLow, s.Decision().Tier)
}

func TestScheduler_BufferReleasedOnPanic(t *testing.T) {
	pool := testPool(t, 0.3)
	rec := &recorder{}
	panicky := func(context.Context, image.Image) mlresult.Result[inference.Inference] {
		panic("delegate crashed")
	}
	s := New(fastConfig(), pool, panicky, WithResultSink(rec.sink), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Start())
	defer s.Stop()

	require.True(t, s.Submit(frame("boom")))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	results, _ := rec.snapshot()
	out := results[0].Outcome
	assert.True(t, out.IsError())
	assert.True(t, out.Retryable())
	assert.ErrorIs(t, out.Err(), mlresult.ErrUnknownFailure)
	assert.Equal(t, 1, pool.Size(), "scratch buffer must return to the pool")
	assert.EqualValues(t, 1, s.Stats().Failed)
}

func TestScheduler_PoolRefusalDegrades(t *testing.T) {
	rec := &recorder{}
	s := New(fastConfig(), testPool(t, 0.95), rec.infer, WithResultSink(rec.sink))
	require.NoError(t, s.Start())
	defer s.Stop()

	require.True(t, s.Submit(frame("tight")))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	results, sizes := rec.snapshot()
	out := results[0].Outcome
	require.True(t, out.IsDegraded(), "got %v", out)
	assert.True(t, mlresult.IsResourceExhausted(out.Err()))
	v, ok := out.Value()
	assert.True(t, ok)
	assert.Equal(t, "fake", v.Backend)
	assert.Equal(t, []int{128}, sizes)
}

func TestScheduler_NilImage(t *testing.T) {
	rec := &recorder{}
	s := New(fastConfig(), testPool(t, 0.3), rec.infer, WithResultSink(rec.sink))
	require.NoError(t, s.Start())
	defer s.Stop()

	require.True(t, s.Submit(FrameRequest{ID: "empty"}))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	results, sizes := rec.snapshot()
	assert.True(t, results[0].Outcome.IsError())
	assert.False(t, results[0].Outcome.Retryable())
	assert.Empty(t, sizes)
}

func TestScheduler_ResumeWakesPromptly(t *testing.T) {
	rec := &recorder{}
	cfg := fastConfig()
	cfg.PausePoll = 5 * time.Second
	s := New(cfg, testPool(t, 0.3), rec.infer, WithResultSink(rec.sink))
	s.Pause()
	require.NoError(t, s.Start())
	defer s.Stop()

	require.True(t, s.Submit(frame("wake")))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, rec.count())

	s.Resume()
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopLifecycle(t *testing.T) {
	rec := &recorder{}
	s := New(DefaultConfig(), testPool(t, 0.3), rec.infer)
	s.Pause()
	require.NoError(t, s.Start())
	require.True(t, s.Submit(frame("left behind")))
	require.True(t, s.IsRunning())

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	_, open := <-s.Results()
	assert.False(t, open, "Results must be closed after Stop")
	assert.False(t, s.Submit(frame("late")))
	assert.Zero(t, s.QueueLen())
	assert.False(t, s.IsRunning())
	assert.True(t, errors.Is(s.Start(), ErrStopped))
}

func TestScheduler_StopBeforeStart(t *testing.T) {
	s := New(DefaultConfig(), nil, (&recorder{}).infer)
	s.Stop()
	assert.ErrorIs(t, s.Start(), ErrStopped)
	_, open := <-s.Results()
	assert.False(t, open)
}

func TestScheduler_ResultsDropWhenUndrained(t *testing.T) {
	rec := &recorder{}
	cfg := fastConfig()
	cfg.ResultBuffer = 1
	s := New(cfg, testPool(t, 0.3), rec.infer, WithResultSink(rec.sink))
	s.Pause()
	for i := 0; i < 3; i++ {
		require.True(t, s.Submit(frame(fmt.Sprint(i))))
	}
	require.NoError(t, s.Start())
	s.Resume()

	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	assert.EqualValues(t, 2, s.Stats().ResultsDropped)
	first, ok := <-s.Results()
	require.True(t, ok)
	assert.Equal(t, "0", first.ID)
}
