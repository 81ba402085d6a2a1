package scheduler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"mlpipeline/inference"
	"mlpipeline/mlresult"
	"mlpipeline/mlruntime"
	"mlpipeline/vision"

	"go.uber.org/zap"
)

// ErrStopped is returned by Start once the scheduler has been stopped.
var ErrStopped = errors.New("scheduler: stopped")

// InferFunc runs inference on a prepared frame.
type InferFunc func(ctx context.Context, img image.Image) mlresult.Result[inference.Inference]

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConditions sets the device condition source. Without it the
// scheduler assumes NominalConditions.
func WithConditions(fn ConditionsFunc) Option {
	return func(s *Scheduler) { s.conditions = fn }
}

// WithResultSink registers a callback invoked on the loop goroutine for
// every produced result, before it is offered to Results.
func WithResultSink(fn func(FrameResult)) Option {
	return func(s *Scheduler) { s.sink = fn }
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Running        bool          `json:"running"`
	Paused         bool          `json:"paused"`
	QueueLength    int           `json:"queue_length"`
	QueueCapacity  int           `json:"queue_capacity"`
	Submitted      uint64        `json:"submitted"`
	Rejected       uint64        `json:"rejected"`
	Processed      uint64        `json:"processed"`
	Succeeded      uint64        `json:"succeeded"`
	Degraded       uint64        `json:"degraded"`
	Failed         uint64        `json:"failed"`
	ResultsDropped uint64        `json:"results_dropped"`
	Tier           QualityTier   `json:"tier"`
	TargetFPS      float64       `json:"target_fps"`
	AvgProcessing  time.Duration `json:"avg_processing"`
	AvgQueueTime   time.Duration `json:"avg_queue_time"`
}

// Scheduler drains a bounded FIFO of frame requests on one background
// goroutine, adapting resolution and frame rate to device conditions.
//
// Submit never blocks. Pause stops dequeuing without rejecting new
// submissions, so the queue fills up to capacity while paused.
//
// Example:
//
//	s := scheduler.New(scheduler.DefaultConfig(), pool, infer,
//	    scheduler.WithConditions(sample))
//	s.Start()
//	defer s.Stop()
//	ok := s.Submit(scheduler.FrameRequest{ID: id, Image: img, Timestamp: time.Now()})
type Scheduler struct {
	cfg        Config
	pool       *mlruntime.BufferPool
	infer      InferFunc
	conditions ConditionsFunc
	sink       func(FrameResult)
	logger     *zap.Logger

	// mu serializes queue sends against the close in Stop.
	mu      sync.RWMutex
	queue   chan FrameRequest
	queued  atomic.Int64
	results chan FrameResult

	started  atomic.Bool
	stopped  atomic.Bool
	paused   atomic.Bool
	resumeCh chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	// lastFrame is only touched by the loop goroutine.
	lastFrame time.Time

	decisionMu sync.Mutex
	decision   Decision

	submitted       atomic.Uint64
	rejected        atomic.Uint64
	processed       atomic.Uint64
	succeeded       atomic.Uint64
	degraded        atomic.Uint64
	failed          atomic.Uint64
	resultsDropped  atomic.Uint64
	processingNanos atomic.Int64
	queueNanos      atomic.Int64
}

// New creates a stopped scheduler. pool supplies scratch buffers for tier
// resizing and infer runs the model on the resized frame.
func New(cfg Config, pool *mlruntime.BufferPool, infer InferFunc, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:      cfg,
		pool:     pool,
		infer:    infer,
		queue:    make(chan FrameRequest, cfg.QueueCapacity),
		results:  make(chan FrameResult, cfg.ResultBuffer),
		resumeCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
		decision: Decision{Tier: TierHigh, TargetFPS: cfg.BaseFPS},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.conditions == nil {
		s.conditions = NominalConditions
	}
	return s
}

// Start launches the loop. Calling Start on a running scheduler is a
// no-op; a stopped scheduler cannot be restarted.
func (s *Scheduler) Start() error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
	s.mu.Unlock()

	s.logger.Info("Frame scheduler started",
		zap.Int("queue_capacity", s.cfg.QueueCapacity),
		zap.Float64("base_fps", s.cfg.BaseFPS),
		zap.Bool("paused", s.paused.Load()))
	return nil
}

// Stop closes the queue, cancels the loop and waits for it to exit.
// Requests still queued are discarded. Results is closed afterwards.
// Only the first call has any effect.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	close(s.queue)
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-s.done
	}

	discarded := 0
	for range s.queue {
		s.queued.Add(-1)
		discarded++
	}
	close(s.results)

	s.logger.Info("Frame scheduler stopped",
		zap.Int("discarded", discarded),
		zap.Uint64("processed", s.processed.Load()))
}

// Pause stops the loop from dequeuing. It may be called before Start.
func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) {
		s.logger.Debug("Frame scheduler paused")
	}
}

// Resume wakes a paused loop.
func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		s.logger.Debug("Frame scheduler resumed")
	}
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

// IsPaused reports whether the loop is paused.
func (s *Scheduler) IsPaused() bool { return s.paused.Load() }

// IsRunning reports whether the loop has started and not been stopped.
func (s *Scheduler) IsRunning() bool { return s.started.Load() && !s.stopped.Load() }

// Submit enqueues req without blocking. It returns false when the queue
// is full or the scheduler is stopped; the caller decides the fallback.
func (s *Scheduler) Submit(req FrameRequest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped.Load() {
		s.rejected.Add(1)
		return false
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	select {
	case s.queue <- req:
		s.queued.Add(1)
		s.submitted.Add(1)
		return true
	default:
		s.rejected.Add(1)
		return false
	}
}

// Results delivers processed frames. It is closed by Stop.
func (s *Scheduler) Results() <-chan FrameResult { return s.results }

// QueueLen returns the number of requests waiting.
func (s *Scheduler) QueueLen() int { return int(s.queued.Load()) }

// Decision returns the most recent quality decision.
func (s *Scheduler) Decision() Decision {
	s.decisionMu.Lock()
	defer s.decisionMu.Unlock()
	return s.decision
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	d := s.Decision()
	st := Stats{
		Running:        s.IsRunning(),
		Paused:         s.paused.Load(),
		QueueLength:    s.QueueLen(),
		QueueCapacity:  s.cfg.QueueCapacity,
		Submitted:      s.submitted.Load(),
		Rejected:       s.rejected.Load(),
		Processed:      s.processed.Load(),
		Succeeded:      s.succeeded.Load(),
		Degraded:       s.degraded.Load(),
		Failed:         s.failed.Load(),
		ResultsDropped: s.resultsDropped.Load(),
		Tier:           d.Tier,
		TargetFPS:      d.TargetFPS,
	}
	if st.Processed > 0 {
		st.AvgProcessing = time.Duration(s.processingNanos.Load() / int64(st.Processed))
		st.AvgQueueTime = time.Duration(s.queueNanos.Load() / int64(st.Processed))
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}

		if s.paused.Load() {
			s.waitResume(ctx)
			continue
		}

		d := s.decide()
		interval := d.Interval()

		if !s.lastFrame.IsZero() {
			if wait := interval - time.Since(s.lastFrame); wait > 0 {
				if !sleep(ctx, wait) {
					return
				}
				continue
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case req, ok := <-s.queue:
			timer.Stop()
			if !ok {
				return
			}
			s.queued.Add(-1)
			s.lastFrame = time.Now()
			s.process(ctx, req, d)
		case <-timer.C:
		}
	}
}

// waitResume blocks until Resume, cancellation or one poll period.
func (s *Scheduler) waitResume(ctx context.Context) {
	timer := time.NewTimer(s.cfg.PausePoll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.resumeCh:
	case <-timer.C:
	}
}

func (s *Scheduler) decide() Decision {
	d := Decide(s.conditions(), s.cfg)

	s.decisionMu.Lock()
	prev := s.decision
	s.decision = d
	s.decisionMu.Unlock()

	if prev.Tier != d.Tier {
		s.logger.Info("Quality tier changed",
			zap.Stringer("from", prev.Tier),
			zap.Stringer("to", d.Tier),
			zap.Float64("target_fps", d.TargetFPS))
	}
	return d
}

func (s *Scheduler) process(ctx context.Context, req FrameRequest, d Decision) {
	start := time.Now()
	outcome, size := s.run(ctx, req, d)
	now := time.Now()

	fr := FrameResult{
		ID:             req.ID,
		Outcome:        outcome,
		Priority:       req.Priority,
		Tier:           d.Tier,
		Resolution:     size,
		QueueTime:      start.Sub(req.Timestamp),
		ProcessingTime: now.Sub(start),
		Timestamp:      now,
	}

	s.processed.Add(1)
	s.processingNanos.Add(int64(fr.ProcessingTime))
	s.queueNanos.Add(int64(fr.QueueTime))
	switch outcome.Kind() {
	case mlresult.KindSuccess:
		s.succeeded.Add(1)
	case mlresult.KindDegraded:
		s.degraded.Add(1)
	default:
		s.failed.Add(1)
		s.logger.Warn("Frame inference failed",
			zap.String("frame_id", req.ID),
			zap.Error(outcome.Err()),
			zap.Bool("retryable", outcome.Retryable()))
	}

	if s.sink != nil {
		s.sink(fr)
	}
	select {
	case s.results <- fr:
	default:
		s.resultsDropped.Add(1)
	}
}

// run resizes the request into a pooled scratch buffer at the tier
// resolution and runs inference on it. The buffer goes back to the pool
// on every path, panics included. When the pool refuses a buffer the
// frame is processed at Low tier resolution in a transient image and the
// outcome is marked degraded.
func (s *Scheduler) run(ctx context.Context, req FrameRequest, d Decision) (res mlresult.Result[inference.Inference], size int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered panic in frame processing",
				zap.String("frame_id", req.ID),
				zap.Any("panic", r))
			res = mlresult.Failure[inference.Inference](
				fmt.Errorf("%w: panic: %v", mlresult.ErrUnknownFailure, r), true)
		}
	}()

	if req.Image == nil {
		return mlresult.Failure[inference.Inference](vision.ErrNilImage, false), 0
	}

	size = d.Tier.Resolution(s.cfg.BaseResolution)
	var scratch *image.RGBA
	pooled := false
	if s.pool != nil {
		if buf, ok := s.pool.Acquire(size, size, mlruntime.FormatRGBA8888); ok {
			defer s.pool.Release(buf)
			scratch = buf.RGBA()
			pooled = true
		}
	}
	if scratch == nil {
		size = TierLow.Resolution(s.cfg.BaseResolution)
		scratch = image.NewRGBA(image.Rect(0, 0, size, size))
	}

	if err := vision.ScaleInto(scratch, req.Image); err != nil {
		return mlresult.Failure[inference.Inference](err, false), size
	}

	inferCtx := ctx
	if s.cfg.InferTimeout > 0 {
		var cancel context.CancelFunc
		inferCtx, cancel = context.WithTimeout(ctx, s.cfg.InferTimeout)
		defer cancel()
	}
	res = s.infer(inferCtx, scratch)

	if !pooled && res.IsSuccess() {
		v, _ := res.Value()
		res = mlresult.DegradedWith(
			fmt.Errorf("scratch buffer: %w", mlresult.ErrResourceExhausted), v,
			"processed at low resolution, scratch buffer unavailable")
	}
	return res, size
}

// sleep waits for d or cancellation. It reports false when cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
