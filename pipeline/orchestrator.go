// Package pipeline wires the resource registry, buffer pool and frame
// scheduler into the resilient orchestrator: lifecycle state, the frame
// entry point with its queued, synchronous and degraded paths, host
// lifecycle events, and the periodic metrics loop.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mlpipeline/inference"
	"mlpipeline/metrics"
	"mlpipeline/mlresult"
	"mlpipeline/mlruntime"
	"mlpipeline/scheduler"
	"mlpipeline/shutdown"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the orchestrator lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StatePaused
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShutDown:
		return "shut_down"
	default:
		return "unknown"
	}
}

// FrameOptions are per-frame submission options.
type FrameOptions struct {
	// ID identifies the frame. Empty generates a uuid.
	ID       string
	Priority scheduler.Priority
}

// FrameOutcome is the value returned by ProcessFrame. For queued frames
// Inference is empty; the result arrives later on Results.
type FrameOutcome struct {
	ID        string              `json:"id"`
	Path      string              `json:"path"`
	Inference inference.Inference `json:"inference"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State          string             `json:"state"`
	Initialized    bool               `json:"initialized"`
	Backgrounded   bool               `json:"backgrounded"`
	PressureActive bool               `json:"pressure_active"`
	Backends       []string           `json:"backends"`
	ReadyBackends  []string           `json:"ready_backends"`
	Decision       scheduler.Decision `json:"decision"`
	QueueLength    int                `json:"queue_length"`
}

// components is everything built by one Initialize. It is replaced as a
// whole and read lock-free on the frame path.
type components struct {
	cfg      Config
	monitor  *mlruntime.PressureMonitor
	pool     *mlruntime.BufferPool
	registry *mlruntime.Registry
	sched    *scheduler.Scheduler
	ready    []inference.Backend
	teardown *shutdown.ShutdownRegistry
}

// Orchestrator is the top-level pipeline organism.
//
// This organism composes:
//   - mlruntime.Registry owning one interpreter handle per backend
//   - mlruntime.BufferPool supplying scheduler scratch buffers
//   - scheduler.Scheduler draining the bounded frame queue
//   - a metrics loop publishing to a replay-latest broadcaster
//
// Lifecycle calls (Initialize, Start, Stop, Pause, Resume, teardown) are
// serialized by mu. The frame path and memory pressure handling never
// take mu.
//
// Usage:
//
//	orch := pipeline.New([]inference.Backend{sim}, pipeline.WithLogger(logger))
//	res := orch.Initialize(ctx, pipeline.DefaultConfig(), bus)
//	if res.IsError() {
//	    return res.Err()
//	}
//	orch.Start()
//	out := orch.ProcessFrame(ctx, img, pipeline.FrameOptions{})
//	defer orch.Shutdown(ctx)
type Orchestrator struct {
	backends []inference.Backend

	logger       *zap.Logger
	memReader    mlruntime.MemoryReader
	device       DeviceSource
	store        metrics.MetricsCollector
	recorder     Recorder
	newID        func() string
	resultBuffer int

	mu          sync.Mutex
	initialized atomic.Bool
	state       atomic.Int32
	comp        atomic.Pointer[components]

	// syncMu orders scheduler pause/resume decisions.
	syncMu         sync.Mutex
	backgrounded   atomic.Bool
	pressureActive atomic.Bool

	cooldownMu sync.Mutex
	cooldown   *time.Timer

	broadcaster *metrics.Broadcaster

	// resultsMu orders sends on results against its close. A scheduler
	// left running by an expired teardown context may still deliver.
	resultsMu     sync.Mutex
	results       chan scheduler.FrameResult
	resultsClosed bool

	shutdownOnce sync.Once
}

// New creates an uninitialized orchestrator over backends, tried in order
// on the synchronous path.
func New(backends []inference.Backend, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backends:     backends,
		logger:       zap.NewNop(),
		newID:        newFrameID,
		resultBuffer: 16,
		broadcaster:  metrics.NewBroadcaster(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.results = make(chan scheduler.FrameResult, o.resultBuffer)
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

func unit() mlresult.Result[struct{}] { return mlresult.Success(struct{}{}) }

// Initialize builds the registry, pool and scheduler and brings up every
// backend. All ready is Success, some ready is Degraded with
// ErrPartialInitialization, none ready is a non-retryable Error, or
// Degraded with ErrResourceExhausted when exhaustion was the reason. When
// no backend comes up everything is rolled back and Initialize may be
// called again. host may be nil.
func (o *Orchestrator) Initialize(ctx context.Context, cfg Config, host LifecycleHost) mlresult.Result[struct{}] {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.State() == StateShutDown {
		return mlresult.Failure[struct{}](mlresult.ErrAlreadyShutdown, false)
	}
	if !o.initialized.CompareAndSwap(false, true) {
		o.logger.Warn("Initialize called on an initialized pipeline")
		return unit()
	}
	if len(o.backends) == 0 {
		o.initialized.Store(false)
		return mlresult.Failure[struct{}](mlresult.ErrNoBackend, false)
	}

	cfg = cfg.withDefaults()
	c := o.build(cfg)

	ready, initErr, exhausted := o.initBackends(ctx, c)
	c.ready = ready

	if len(ready) == 0 {
		o.rollback(c)
		o.initialized.Store(false)
		if exhausted {
			o.logger.Warn("No backend initialized, memory exhausted", zap.Error(initErr))
			return mlresult.Degraded[struct{}](
				fmt.Errorf("%w: %v", mlresult.ErrResourceExhausted, initErr),
				"initialization deferred, memory exhausted")
		}
		o.logger.Error("No backend initialized", zap.Error(initErr))
		return mlresult.Failure[struct{}](fmt.Errorf("%w: %v", mlresult.ErrNoBackend, initErr), false)
	}

	if host != nil {
		cancel := host.Observe(o.OnLifecycleEvent)
		c.teardown.Register("lifecycle-observer", shutdown.PriorityIngress, shutdown.StopFunc(cancel))
	}

	o.comp.Store(c)
	o.state.Store(int32(StateInitialized))
	o.syncSchedulerPause()
	o.startMetricsLoop(c)

	names := backendNames(ready)
	if len(ready) < len(o.backends) {
		o.logger.Warn("Pipeline initialized with limited ML capabilities",
			zap.Strings("ready", names),
			zap.Int("configured", len(o.backends)),
			zap.Error(initErr))
		return mlresult.Degraded[struct{}](
			fmt.Errorf("%w: %v", mlresult.ErrPartialInitialization, initErr),
			"limited ML capabilities")
	}
	o.logger.Info("Pipeline initialized", zap.Strings("backends", names))
	return unit()
}

// build creates the per-initialization components and registers their
// teardown steps. The scheduler is started paused.
func (o *Orchestrator) build(cfg Config) *components {
	monitor := mlruntime.NewPressureMonitor(o.memReader)
	c := &components{
		cfg:      cfg,
		monitor:  monitor,
		pool:     mlruntime.NewBufferPool(cfg.PoolSize, monitor, mlruntime.WithPoolLogger(o.logger.Named("pool"))),
		registry: mlruntime.NewRegistry(o.logger.Named("registry"), mlruntime.WithPressureHandler(o.HandleMemoryPressure)),
		teardown: shutdown.NewShutdownRegistry(o.logger.Named("teardown")),
	}
	c.sched = scheduler.New(cfg.schedulerConfig(), c.pool, o.inferFunc(c),
		scheduler.WithConditions(o.conditions(c)),
		scheduler.WithResultSink(o.onResult),
		scheduler.WithLogger(o.logger.Named("scheduler")))
	c.sched.Pause()
	if err := c.sched.Start(); err != nil {
		o.logger.Error("Scheduler failed to start", zap.Error(err))
	}

	c.teardown.Register("scheduler", shutdown.PriorityWorkers, shutdown.StopFunc(c.sched.Stop))
	c.teardown.Register("pressure-cooldown", shutdown.PriorityWorkers, func(context.Context) error {
		o.stopCooldown()
		return nil
	})
	c.teardown.Register("registry", shutdown.PriorityResources, func(context.Context) error {
		return c.registry.Shutdown()
	})
	c.teardown.Register("buffer-pool", shutdown.PriorityResources, shutdown.StopFunc(c.pool.Drain))
	return c
}

// initBackends initializes each backend and registers its handle. A
// panicking Initialize counts as a failed backend.
func (o *Orchestrator) initBackends(ctx context.Context, c *components) (ready []inference.Backend, initErr error, exhausted bool) {
	for _, b := range o.backends {
		res := mlresult.Catching(func() (mlruntime.Handle, error) {
			return b.Initialize(ctx)
		})
		h, ok := res.Value()
		err := res.Err()
		if err == nil && ok {
			err = c.registry.Register(b.Name(), h)
		}
		if err != nil {
			if mlresult.IsResourceExhausted(err) {
				exhausted = true
			}
			initErr = multierr.Append(initErr, fmt.Errorf("%s: %w", b.Name(), err))
			o.logger.Warn("Backend failed to initialize", zap.String("backend", b.Name()), zap.Error(err))
			continue
		}
		ready = append(ready, b)
	}
	return ready, initErr, exhausted
}

func (o *Orchestrator) rollback(c *components) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TeardownTimeout)
	defer cancel()
	if err := c.teardown.Shutdown(ctx); err != nil {
		o.logger.Warn("Rollback finished with errors", zap.Error(err))
	}
}

// Start lets the scheduler drain the queue. Starting a running pipeline
// is a no-op; starting a paused one resumes it.
func (o *Orchestrator) Start() mlresult.Result[struct{}] {
	o.mu.Lock()
	defer o.mu.Unlock()

	if res, ok := o.gate(); !ok {
		return res
	}
	if o.State() == StateRunning {
		return unit()
	}
	o.state.Store(int32(StateRunning))
	o.syncSchedulerPause()
	o.logger.Info("Pipeline started")
	return unit()
}

// Stop pauses the scheduler and returns to Initialized. Queued frames
// stay queued until the next Start.
func (o *Orchestrator) Stop() mlresult.Result[struct{}] {
	o.mu.Lock()
	defer o.mu.Unlock()

	if res, ok := o.gate(); !ok {
		return res
	}
	if o.State() == StateInitialized {
		return unit()
	}
	o.state.Store(int32(StateInitialized))
	o.syncSchedulerPause()
	o.logger.Info("Pipeline stopped")
	return unit()
}

// Pause moves Running to Paused.
func (o *Orchestrator) Pause() mlresult.Result[struct{}] {
	o.mu.Lock()
	defer o.mu.Unlock()

	if res, ok := o.gate(); !ok {
		return res
	}
	switch o.State() {
	case StatePaused:
		return unit()
	case StateRunning:
		o.state.Store(int32(StatePaused))
		o.syncSchedulerPause()
		o.logger.Info("Pipeline paused")
		return unit()
	default:
		return mlresult.Failure[struct{}](mlresult.ErrNotRunning, false)
	}
}

// Resume moves Paused back to Running.
func (o *Orchestrator) Resume() mlresult.Result[struct{}] {
	o.mu.Lock()
	defer o.mu.Unlock()

	if res, ok := o.gate(); !ok {
		return res
	}
	switch o.State() {
	case StateRunning:
		return unit()
	case StatePaused:
		o.state.Store(int32(StateRunning))
		o.syncSchedulerPause()
		o.logger.Info("Pipeline resumed")
		return unit()
	default:
		return mlresult.Failure[struct{}](mlresult.ErrNotRunning, false)
	}
}

// gate rejects lifecycle calls before Initialize and after Shutdown.
// Callers hold mu.
func (o *Orchestrator) gate() (mlresult.Result[struct{}], bool) {
	switch o.State() {
	case StateShutDown:
		return mlresult.Failure[struct{}](mlresult.ErrAlreadyShutdown, false), false
	case StateUninitialized:
		return mlresult.Failure[struct{}](mlresult.ErrNotInitialized, false), false
	}
	return unit(), true
}

// syncSchedulerPause pauses the scheduler unless the pipeline is Running,
// in the foreground and out of pressure cooldown.
func (o *Orchestrator) syncSchedulerPause() {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	c := o.comp.Load()
	if c == nil {
		return
	}
	if o.State() == StateRunning && !o.backgrounded.Load() && !o.pressureActive.Load() {
		c.sched.Resume()
	} else {
		c.sched.Pause()
	}
}

// OnLifecycleEvent handles a host event. Backgrounded pauses the
// scheduler, Foregrounded resumes it when Running, Destroyed tears the
// pipeline down to Uninitialized.
func (o *Orchestrator) OnLifecycleEvent(event LifecycleEvent) {
	switch event {
	case Backgrounded:
		o.backgrounded.Store(true)
		o.syncSchedulerPause()
	case Foregrounded:
		o.backgrounded.Store(false)
		o.syncSchedulerPause()
	case Destroyed:
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.State() == StateShutDown {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.teardownTimeout())
		defer cancel()
		if err := o.teardownLocked(ctx); err != nil {
			o.logger.Warn("Teardown finished with errors", zap.Error(err))
		}
		o.state.Store(int32(StateUninitialized))
		o.initialized.Store(false)
	default:
		o.logger.Warn("Unknown lifecycle event", zap.Int("event", int(event)))
		return
	}
	o.logger.Info("Handled lifecycle event", zap.Stringer("event", event), zap.Stringer("state", o.State()))
}

// Shutdown tears the pipeline down for good. Later calls return nil and
// every lifecycle call fails with ErrAlreadyShutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		defer o.mu.Unlock()

		err = o.teardownLocked(ctx)
		o.state.Store(int32(StateShutDown))
		o.broadcaster.Close()
		o.closeResults()
		o.logger.Info("Pipeline shut down", zap.Error(err))
	})
	return err
}

func (o *Orchestrator) closeResults() {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()
	if !o.resultsClosed {
		o.resultsClosed = true
		close(o.results)
	}
}

// teardownLocked runs the current components' teardown steps. Callers
// hold mu.
func (o *Orchestrator) teardownLocked(ctx context.Context) error {
	c := o.comp.Swap(nil)
	o.backgrounded.Store(false)
	o.pressureActive.Store(false)
	if c == nil {
		return nil
	}
	return c.teardown.Shutdown(ctx)
}

func (o *Orchestrator) teardownTimeout() time.Duration {
	if c := o.comp.Load(); c != nil {
		return c.cfg.TeardownTimeout
	}
	return DefaultConfig().TeardownTimeout
}

// HandleMemoryPressure evicts pooled buffers and pauses the scheduler
// for the configured cooldown. It is installed as the registry pressure
// handler and runs on whichever goroutine hit exhaustion.
func (o *Orchestrator) HandleMemoryPressure() {
	c := o.comp.Load()
	if c == nil {
		return
	}
	c.pool.HandlePressure()

	if !o.pressureActive.CompareAndSwap(false, true) {
		return
	}
	o.syncSchedulerPause()
	o.logger.Warn("Memory pressure, scheduler paused", zap.Duration("cooldown", c.cfg.PressureCooldown))

	o.cooldownMu.Lock()
	if o.cooldown != nil {
		o.cooldown.Stop()
	}
	o.cooldown = time.AfterFunc(c.cfg.PressureCooldown, func() {
		o.pressureActive.Store(false)
		o.syncSchedulerPause()
		o.logger.Info("Memory pressure cooldown elapsed")
	})
	o.cooldownMu.Unlock()
}

func (o *Orchestrator) stopCooldown() {
	o.cooldownMu.Lock()
	defer o.cooldownMu.Unlock()
	if o.cooldown != nil {
		o.cooldown.Stop()
		o.cooldown = nil
	}
}

// Status returns a snapshot of the lifecycle state.
func (o *Orchestrator) Status() Status {
	st := Status{
		State:          o.State().String(),
		Initialized:    o.initialized.Load(),
		Backgrounded:   o.backgrounded.Load(),
		PressureActive: o.pressureActive.Load(),
		Backends:       backendNames(o.backends),
		ReadyBackends:  []string{},
	}
	if c := o.comp.Load(); c != nil {
		st.ReadyBackends = backendNames(c.ready)
		st.Decision = c.sched.Decision()
		st.QueueLength = c.sched.QueueLen()
	}
	return st
}

// Results delivers the outcome of every queued frame. Results are
// dropped when the channel is full. It is closed by Shutdown.
func (o *Orchestrator) Results() <-chan scheduler.FrameResult { return o.results }

// Subscribe returns a replay-latest stream of metrics snapshots.
func (o *Orchestrator) Subscribe() (<-chan metrics.PipelineMetrics, func()) {
	return o.broadcaster.Subscribe()
}

func backendNames(backends []inference.Backend) []string {
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	return names
}
