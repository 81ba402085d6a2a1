package pipeline

import (
	"mlpipeline/metrics"
	"mlpipeline/mlruntime"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceSource supplies the latest thermal and battery reading.
// metrics.DeviceCollector implements it.
type DeviceSource interface {
	GetCurrentMetrics() metrics.DeviceMetrics
}

// Recorder persists frame outcomes and metrics snapshots. Calls happen on
// the scheduler, caller and metrics goroutines and must not block.
type Recorder interface {
	RecordFrame(rec metrics.FrameRecord)
	RecordSnapshot(snapshot metrics.PipelineMetrics)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger. Child components get named
// children of it.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMemoryReader replaces the Go runtime memory reader, typically with
// a budgeted mlruntime.RuntimeMemoryReader or a test double.
func WithMemoryReader(r mlruntime.MemoryReader) Option {
	return func(o *Orchestrator) { o.memReader = r }
}

// WithDeviceSource feeds thermal and battery readings to the scheduler.
func WithDeviceSource(src DeviceSource) Option {
	return func(o *Orchestrator) { o.device = src }
}

// WithMetricsStore records frames and snapshots into an in-memory store.
func WithMetricsStore(store metrics.MetricsCollector) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithRecorder records frames and snapshots into persistent telemetry.
func WithRecorder(rec Recorder) Option {
	return func(o *Orchestrator) { o.recorder = rec }
}

// WithIDGenerator replaces the uuid frame ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithResultBuffer sets the capacity of the Results channel.
func WithResultBuffer(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.resultBuffer = n
		}
	}
}

func newFrameID() string {
	return uuid.NewString()
}
