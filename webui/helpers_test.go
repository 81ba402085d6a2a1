package webui

import (
	"context"
	"sync"
	"time"

	"mlpipeline/metrics"
	"mlpipeline/pipeline"
)

// fakePipeline serves a fixed status and streams through a real
// broadcaster.
type fakePipeline struct {
	mu     sync.Mutex
	status pipeline.Status
	stats  metrics.PipelineMetrics
	bc     *metrics.Broadcaster
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		status: pipeline.Status{
			State:         "running",
			Initialized:   true,
			Backends:      []string{"simulated"},
			ReadyBackends: []string{"simulated"},
		},
		stats: metrics.PipelineMetrics{State: "running", MemoryPressure: 0.3},
		bc:    metrics.NewBroadcaster(),
	}
}

func (f *fakePipeline) Status() pipeline.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakePipeline) setState(state string) {
	f.mu.Lock()
	f.status.State = state
	f.mu.Unlock()
}

func (f *fakePipeline) ResourceStats() metrics.PipelineMetrics { return f.stats }

func (f *fakePipeline) Subscribe() (<-chan metrics.PipelineMetrics, func()) {
	return f.bc.Subscribe()
}

// fakeEmitter records emitted lifecycle events.
type fakeEmitter struct {
	mu     sync.Mutex
	events []pipeline.LifecycleEvent
	onEmit func(pipeline.LifecycleEvent)
}

func (e *fakeEmitter) Emit(event pipeline.LifecycleEvent) {
	e.mu.Lock()
	e.events = append(e.events, event)
	fn := e.onEmit
	e.mu.Unlock()
	if fn != nil {
		fn(event)
	}
}

func (e *fakeEmitter) emitted() []pipeline.LifecycleEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]pipeline.LifecycleEvent(nil), e.events...)
}

type fakeHistory struct {
	counts map[string]int64
	err    error
	since  time.Time
}

func (h *fakeHistory) FrameOutcomeCounts(_ context.Context, since time.Time) (map[string]int64, error) {
	h.since = since
	return h.counts, h.err
}

func newTestStore() *metrics.MetricsStore {
	return metrics.NewMetricsStore(metrics.StoreConfig{FrameHistoryCapacity: 50, Version: "test"}, time.Now())
}

func frameRecord(id, status string) metrics.FrameRecord {
	return metrics.FrameRecord{
		ID:             id,
		Path:           metrics.PathQueued,
		Status:         status,
		Tier:           "high",
		Priority:       "normal",
		ProcessingTime: 10 * time.Millisecond,
		Timestamp:      time.Now(),
	}
}
