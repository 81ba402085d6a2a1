package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mlpipeline/core"
)

// Teardown priorities used across the pipeline. Lower runs first.
const (
	PriorityIngress   = 0  // stop accepting work: lifecycle observers, frame feeds
	PriorityWorkers   = 10 // background loops: scheduler, metrics loop
	PriorityResources = 20 // interpreter handles, buffer pools
	PriorityStorage   = 30 // telemetry writers and databases
	PriorityFinal     = 40 // log sync
)

type step struct {
	name     string
	priority int
	seq      int
	fn       core.ShutdownFunc
}

// StepReport describes one executed teardown step.
type StepReport struct {
	Name     string
	Priority int
	Duration time.Duration
	Err      error
}

// ShutdownRegistry runs named teardown steps in priority order.
//
// This is a molecule composing core.ShutdownFunc with stable priority
// ordering (equal priorities run in registration order), panic isolation
// and error aggregation. A registry runs once; after Shutdown further
// registrations are ignored.
//
// Usage:
//
//	teardown := NewShutdownRegistry(logger)
//	teardown.Register("scheduler", PriorityWorkers, func(ctx context.Context) error {
//	    sched.Stop()
//	    return nil
//	})
//	teardown.Register("registry", PriorityResources, func(ctx context.Context) error {
//	    return reg.Shutdown()
//	})
//
//	err := teardown.Shutdown(ctx) // every step runs, failures combined
type ShutdownRegistry struct {
	mu      sync.Mutex
	steps   []step
	seq     int
	closed  bool
	reports []StepReport
	logger  *zap.Logger
}

// NewShutdownRegistry creates an empty registry. A nil logger disables
// step logging.
func NewShutdownRegistry(logger *zap.Logger) *ShutdownRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownRegistry{logger: logger}
}

// Register adds a teardown step. It returns false when the registry has
// already run, in which case fn is not retained.
func (r *ShutdownRegistry) Register(name string, priority int, fn core.ShutdownFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || fn == nil {
		return false
	}
	r.steps = append(r.steps, step{name: name, priority: priority, seq: r.seq, fn: fn})
	r.seq++
	return true
}

// Shutdown runs every step, continuing past failures and panics. Each
// failure is wrapped with its step name; all of them are combined into
// the returned error. A second call returns nil without running anything.
func (r *ShutdownRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	steps := r.ordered()
	r.mu.Unlock()

	var (
		err     error
		reports = make([]StepReport, 0, len(steps))
	)
	for _, s := range steps {
		start := time.Now()
		stepErr := runStep(ctx, s)
		report := StepReport{Name: s.name, Priority: s.priority, Duration: time.Since(start), Err: stepErr}
		reports = append(reports, report)

		if stepErr != nil {
			r.logger.Warn("Teardown step failed",
				zap.String("step", s.name),
				zap.Duration("duration", report.Duration),
				zap.Error(stepErr))
			err = multierr.Append(err, fmt.Errorf("%s: %w", s.name, stepErr))
			continue
		}
		r.logger.Debug("Teardown step complete",
			zap.String("step", s.name),
			zap.Duration("duration", report.Duration))
	}

	r.mu.Lock()
	r.reports = reports
	r.mu.Unlock()
	return err
}

func runStep(ctx context.Context, s step) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.fn(ctx)
}

// ordered returns a sorted copy of the steps. Caller holds mu.
func (r *ShutdownRegistry) ordered() []step {
	sorted := make([]step, len(r.steps))
	copy(sorted, r.steps)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].priority != sorted[j].priority {
			return sorted[i].priority < sorted[j].priority
		}
		return sorted[i].seq < sorted[j].seq
	})
	return sorted
}

// Names returns the step names in execution order.
func (r *ShutdownRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := r.ordered()
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.name
	}
	return names
}

// Count returns the number of registered steps.
func (r *ShutdownRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

// IsClosed returns true once Shutdown has been called.
func (r *ShutdownRegistry) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Reports returns the per-step results of the last Shutdown.
func (r *ShutdownRegistry) Reports() []StepReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepReport, len(r.reports))
	copy(out, r.reports)
	return out
}
