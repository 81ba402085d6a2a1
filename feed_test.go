package main

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"mlpipeline/inference"
	"mlpipeline/metrics"
	"mlpipeline/mlresult"
	"mlpipeline/pipeline"
	"mlpipeline/scheduler"
	"mlpipeline/vision"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// scriptedProcessor returns results from a script, cycling through it.
type scriptedProcessor struct {
	mu     sync.Mutex
	script []mlresult.Result[pipeline.FrameOutcome]
	ids    []string
}

func (p *scriptedProcessor) ProcessFrame(_ context.Context, _ image.Image, opts pipeline.FrameOptions) mlresult.Result[pipeline.FrameOutcome] {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.script[len(p.ids)%len(p.script)]
	p.ids = append(p.ids, opts.ID)
	return res
}

// flakySource fails every other frame.
type flakySource struct {
	*vision.SyntheticSource
	n int
}

func (s *flakySource) Next(ctx context.Context) (vision.Frame, error) {
	s.n++
	if s.n%2 == 0 {
		return vision.Frame{}, errors.New("corrupt frame")
	}
	return s.SyntheticSource.Next(ctx)
}

func TestFeedFrames_CountsOutcomes(t *testing.T) {
	proc := &scriptedProcessor{script: []mlresult.Result[pipeline.FrameOutcome]{
		mlresult.Success(pipeline.FrameOutcome{Path: metrics.PathQueued}),
		mlresult.Success(pipeline.FrameOutcome{Path: metrics.PathSync}),
		mlresult.Degraded[pipeline.FrameOutcome](mlresult.ErrResourceExhausted, "reduced resolution"),
		mlresult.Failure[pipeline.FrameOutcome](mlresult.ErrNotRunning, false),
		mlresult.Failure[pipeline.FrameOutcome](errors.New("boom"), true),
	}}
	src := vision.NewSyntheticSource(32, 32, 10)

	stats, err := feedFrames(context.Background(), src, proc, 1000, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("feedFrames: %v", err)
	}

	want := feedStats{Read: 10, Queued: 2, Sync: 2, Degraded: 2, Skipped: 2, Failed: 2}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if proc.ids[0] != "synthetic-1" || proc.ids[9] != "synthetic-10" {
		t.Errorf("frame IDs = %v", proc.ids)
	}
}

func TestFeedFrames_SkipsSourceErrors(t *testing.T) {
	proc := &scriptedProcessor{script: []mlresult.Result[pipeline.FrameOutcome]{
		mlresult.Success(pipeline.FrameOutcome{Path: metrics.PathSync}),
	}}
	src := &flakySource{SyntheticSource: vision.NewSyntheticSource(16, 16, 3)}

	stats, err := feedFrames(context.Background(), src, proc, 1000, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Read != 3 || stats.SourceErrors != 3 {
		t.Errorf("stats = %+v, want 3 read and 3 source errors", stats)
	}
}

func TestFeedFrames_StopsOnCancel(t *testing.T) {
	proc := &scriptedProcessor{script: []mlresult.Result[pipeline.FrameOutcome]{
		mlresult.Success(pipeline.FrameOutcome{Path: metrics.PathQueued}),
	}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan feedStats, 1)
	go func() {
		stats, _ := feedFrames(ctx, vision.NewSyntheticSource(16, 16, 0), proc, 200, zap.NewNop())
		done <- stats
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case stats := <-done:
		if stats.Read == 0 {
			t.Error("no frames read before cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feedFrames did not return after cancel")
	}
}

func TestDrainResults(t *testing.T) {
	ch := make(chan scheduler.FrameResult, 3)
	ch <- scheduler.FrameResult{ID: "a", Outcome: mlresult.Success(inference.Inference{Backend: "simulated"})}
	ch <- scheduler.FrameResult{ID: "b", Outcome: mlresult.Failure[inference.Inference](errors.New("boom"), false)}
	close(ch)

	if n := drainResults(ch, zaptest.NewLogger(t)); n != 2 {
		t.Errorf("drained %d, want 2", n)
	}
}
