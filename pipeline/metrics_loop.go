package pipeline

import (
	"context"
	"errors"
	"time"

	"mlpipeline/metrics"
	"mlpipeline/mlresult"
	"mlpipeline/shutdown"

	"go.uber.org/zap"
)

var errMemoryUnavailable = errors.New("pipeline: memory statistics unavailable")

// startMetricsLoop launches the snapshot publisher for c and registers
// its cancellation with c's teardown.
func (o *Orchestrator) startMetricsLoop(c *components) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go o.metricsLoop(ctx, c, done)

	c.teardown.Register("metrics-loop", shutdown.PriorityWorkers, func(ctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// metricsLoop publishes a snapshot immediately, then every
// MetricsInterval, backing off to MetricsErrorInterval after a failed
// collection.
func (o *Orchestrator) metricsLoop(ctx context.Context, c *components, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := c.cfg.MetricsInterval
		var collectErr error
		res := mlresult.Catching(func() (metrics.PipelineMetrics, error) {
			snap, err := o.collect(c, true)
			collectErr = err
			return snap, nil
		})
		snap, _ := res.Value()
		if res.IsError() {
			collectErr = res.Err()
			snap = metrics.PipelineMetrics{Timestamp: time.Now(), State: o.State().String()}
		}
		if collectErr != nil {
			next = c.cfg.MetricsErrorInterval
			o.logger.Warn("Metrics collection failed", zap.Error(collectErr), zap.Duration("retry_in", next))
			snap.CollectionError = collectErr.Error()
		}
		o.publish(snap)
		timer.Reset(next)
	}
}

// collect builds a snapshot from c. With sample set the pool's pressure
// sampling runs too, which may resize the pool.
func (o *Orchestrator) collect(c *components, sample bool) (metrics.PipelineMetrics, error) {
	p := c.monitor.Sample()
	if sample {
		p = c.pool.SamplePressure()
	}

	snap := metrics.PipelineMetrics{
		Timestamp:      time.Now(),
		State:          o.State().String(),
		MemoryPressure: p.Ratio,
		MemoryUsedMB:   p.UsedMB(),
		MemoryMaxMB:    p.MaxMB(),
		Registry:       c.registry.Stats(),
		Pool:           c.pool.Stats(),
		Scheduler:      c.sched.Stats(),
		Device:         o.deviceMetrics(),
	}
	if p.MaxBytes == 0 {
		return snap, errMemoryUnavailable
	}
	return snap, nil
}

func (o *Orchestrator) publish(snap metrics.PipelineMetrics) {
	o.broadcaster.Publish(snap)
	if o.store != nil {
		o.store.UpdateSnapshot(snap)
	}
	if o.recorder != nil {
		o.recorder.RecordSnapshot(snap)
	}
}

// ResourceStats returns a fresh snapshot without publishing it. Before
// Initialize only State and Device are set.
func (o *Orchestrator) ResourceStats() metrics.PipelineMetrics {
	c := o.comp.Load()
	if c == nil {
		return metrics.PipelineMetrics{
			Timestamp: time.Now(),
			State:     o.State().String(),
			Device:    o.deviceMetrics(),
		}
	}
	snap, err := o.collect(c, false)
	if err != nil {
		snap.CollectionError = err.Error()
	}
	return snap
}
