package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"mlpipeline/inference"
	"mlpipeline/logging"
	"mlpipeline/metrics"
	"mlpipeline/mlresult"
	"mlpipeline/mlruntime"
	"mlpipeline/scheduler"
	"mlpipeline/vision"

	"go.uber.org/zap"
)

// ProcessFrame routes one frame through the pipeline. Only a Running
// pipeline accepts frames: Paused, like every other state, returns
// Error(ErrNotRunning) without inferring or queueing, so the caller keeps
// the frame and decides whether to retry after Resume.
//
// Pressure above MaxMemoryPressure takes the degraded path: the frame is
// downsampled by half and inferred synchronously, and a usable result
// comes back Degraded. Otherwise the frame is submitted to the scheduler
// and returned as queued; its result arrives on Results. A rejected
// submission, or BackgroundProcessing switched off, falls back to
// synchronous inference. A frame is only reported failed after the
// synchronous attempt failed.
func (o *Orchestrator) ProcessFrame(ctx context.Context, img image.Image, opts FrameOptions) mlresult.Result[FrameOutcome] {
	c := o.comp.Load()
	if c == nil || o.State() != StateRunning {
		return mlresult.Failure[FrameOutcome](mlresult.ErrNotRunning, false)
	}
	if img == nil {
		return mlresult.Failure[FrameOutcome](vision.ErrNilImage, false)
	}

	id := opts.ID
	if id == "" {
		id = o.newID()
	}

	if sample := c.monitor.Sample(); sample.Ratio > c.cfg.MaxMemoryPressure {
		return o.processDegraded(ctx, c, id, img, opts, sample)
	}

	if c.cfg.BackgroundProcessing {
		req := scheduler.FrameRequest{ID: id, Image: img, Timestamp: time.Now(), Priority: opts.Priority}
		if c.sched.Submit(req) {
			return mlresult.Success(FrameOutcome{ID: id, Path: metrics.PathQueued})
		}
		o.logger.Debug("Queue full, processing frame synchronously", zap.String("frame_id", id))
	}
	return o.processSync(ctx, c, id, img, opts)
}

// processSync resizes to the High tier resolution and infers on the
// caller's goroutine.
func (o *Orchestrator) processSync(ctx context.Context, c *components, id string, img image.Image, opts FrameOptions) mlresult.Result[FrameOutcome] {
	start := time.Now()
	size := c.cfg.TargetResolution

	var res mlresult.Result[inference.Inference]
	if resized, err := vision.ResizeSquare(img, size); err != nil {
		res = mlresult.Failure[inference.Inference](err, false)
	} else {
		res = o.infer(ctx, c, resized)
	}

	o.record(newFrameRecord(id, metrics.PathSync, opts.Priority, scheduler.TierHigh, res, 0, time.Since(start)))
	return toOutcome(id, metrics.PathSync, res)
}

// processDegraded downsamples by half and infers synchronously. A usable
// result is reported Degraded with the pressure as its cause; an
// inference failure is returned as is.
func (o *Orchestrator) processDegraded(ctx context.Context, c *components, id string, img image.Image, opts FrameOptions, sample mlruntime.PressureSample) mlresult.Result[FrameOutcome] {
	start := time.Now()
	c.pool.HandlePressure()

	o.logger.Debug("Memory pressure above limit, degrading frame",
		zap.String("frame_id", id),
		logging.Pressure(logging.PressureEvent{
			Ratio:     sample.Ratio,
			Threshold: c.cfg.MaxMemoryPressure,
			UsedBytes: sample.UsedBytes,
			MaxBytes:  sample.MaxBytes,
			PoolSize:  c.pool.Size(),
		}))

	var res mlresult.Result[inference.Inference]
	if small, err := vision.Downsample(img, 2); err != nil {
		res = mlresult.Failure[inference.Inference](err, false)
	} else {
		res = o.infer(ctx, c, small)
	}

	if !res.IsError() {
		v, _ := res.Value()
		res = mlresult.DegradedWith(
			fmt.Errorf("memory pressure %.2f: %w", sample.Ratio, mlresult.ErrResourceExhausted), v,
			"processed with reduced resolution due to memory constraints")
	}

	o.record(newFrameRecord(id, metrics.PathDegraded, opts.Priority, scheduler.TierLow, res, 0, time.Since(start)))
	return toOutcome(id, metrics.PathDegraded, res)
}

// inferFunc adapts infer to the scheduler's InferFunc.
func (o *Orchestrator) inferFunc(c *components) scheduler.InferFunc {
	return func(ctx context.Context, img image.Image) mlresult.Result[inference.Inference] {
		return o.infer(ctx, c, img)
	}
}

// infer tries each ready backend in order through the registry and
// returns the first non-Error result. Shutdown of the registry stops the
// fallthrough.
func (o *Orchestrator) infer(ctx context.Context, c *components, img image.Image) mlresult.Result[inference.Inference] {
	last := mlresult.Failure[inference.Inference](mlresult.ErrNoBackend, false)
	for _, b := range c.ready {
		res := mlruntime.WithHandle(c.registry, b.Name(), func(h mlruntime.Handle) (inference.Inference, error) {
			return b.Infer(ctx, h, img)
		})
		if !res.IsError() {
			return res
		}
		last = res
		if errors.Is(res.Err(), mlresult.ErrAlreadyShutdown) || ctx.Err() != nil {
			break
		}
		o.logger.Debug("Backend failed, trying next", zap.String("backend", b.Name()), zap.Error(res.Err()))
	}
	return last
}

// conditions samples memory pressure and the device source for the
// scheduler's quality decision.
func (o *Orchestrator) conditions(c *components) scheduler.ConditionsFunc {
	return func() scheduler.Conditions {
		d := o.deviceMetrics()
		battery := d.Battery
		if d.Charging {
			battery = 1
		}
		return scheduler.Conditions{
			MemoryPressure: c.monitor.Sample().Ratio,
			Thermal:        d.Thermal,
			Battery:        battery,
		}
	}
}

func (o *Orchestrator) deviceMetrics() metrics.DeviceMetrics {
	if o.device == nil {
		return metrics.DeviceMetrics{Battery: 1, Charging: true}
	}
	return o.device.GetCurrentMetrics()
}

// onResult is the scheduler result sink. It runs on the scheduler loop.
// Results arriving after Shutdown are recorded but not delivered.
func (o *Orchestrator) onResult(fr scheduler.FrameResult) {
	o.record(newFrameRecord(fr.ID, metrics.PathQueued, fr.Priority, fr.Tier, fr.Outcome, fr.QueueTime, fr.ProcessingTime))

	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()
	if o.resultsClosed {
		return
	}
	select {
	case o.results <- fr:
	default:
	}
}

func (o *Orchestrator) record(rec metrics.FrameRecord) {
	if o.store != nil {
		o.store.RecordFrame(rec)
	}
	if o.recorder != nil {
		o.recorder.RecordFrame(rec)
	}
	o.logger.Debug("Frame processed", logging.Frame(logging.FrameEvent{
		ID:       rec.ID,
		Path:     rec.Path,
		Status:   rec.Status,
		Tier:     rec.Tier,
		Backend:  rec.Backend,
		Latency:  rec.ProcessingTime,
		ErrorMsg: rec.ErrorMsg,
	}))
}

func toOutcome(id, path string, res mlresult.Result[inference.Inference]) mlresult.Result[FrameOutcome] {
	return mlresult.Map(res, func(inf inference.Inference) FrameOutcome {
		return FrameOutcome{ID: id, Path: path, Inference: inf}
	})
}

func newFrameRecord(id, path string, prio scheduler.Priority, tier scheduler.QualityTier, res mlresult.Result[inference.Inference], queued, processing time.Duration) metrics.FrameRecord {
	rec := metrics.FrameRecord{
		ID:             id,
		Path:           path,
		Tier:           tier.String(),
		Priority:       prio.String(),
		QueueTime:      queued,
		ProcessingTime: processing,
		Timestamp:      time.Now(),
	}
	fill := func(inf inference.Inference) {
		rec.Backend = inf.Backend
		rec.Keypoints = len(inf.Keypoints)
		rec.Confidence = inf.Confidence
	}
	rec.Status = mlresult.Fold(res,
		func(inf inference.Inference) string {
			fill(inf)
			return metrics.FrameStatusSuccess
		},
		func(err error, _ bool) string {
			rec.ErrorCode = string(mlresult.Code(err))
			rec.ErrorMsg = err.Error()
			return metrics.FrameStatusError
		},
		func(cause error, partial inference.Inference, ok bool, msg string) string {
			if ok {
				fill(partial)
			}
			rec.ErrorCode = string(mlresult.Code(cause))
			rec.ErrorMsg = msg
			return metrics.FrameStatusDegraded
		})
	return rec
}
