package db

import (
	"context"
	"fmt"

	"mlpipeline/metrics"

	"go.uber.org/zap"
)

// Recorder persists frame outcomes and metrics snapshots through an
// AsyncWriter so the pipeline never waits on SQLite. It implements
// pipeline.Recorder.
//
// Example:
//
//	rec := db.NewRecorder(repo, db.DefaultAsyncWriterConfig(), logger)
//	defer rec.Close(ctx)
//	orch := pipeline.New(backends, pipeline.WithRecorder(rec))
type Recorder struct {
	repo   *Repository
	writer *AsyncWriter
	logger *zap.Logger
}

// NewRecorder creates and starts a recorder.
func NewRecorder(repo *Repository, cfg AsyncWriterConfig, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{repo: repo, logger: logger}
	r.writer = NewAsyncWriter(r.handle, cfg, logger)
	r.writer.Start()
	return r
}

func (r *Recorder) handle(ctx context.Context, op WriteOperation) error {
	switch v := op.Data.(type) {
	case metrics.FrameRecord:
		_, err := r.repo.InsertFrameResult(ctx, v)
		return err
	case metrics.PipelineMetrics:
		_, err := r.repo.InsertMetricsSnapshot(ctx, v)
		return err
	default:
		return fmt.Errorf("unsupported write operation %T", op.Data)
	}
}

// RecordFrame queues rec. It drops the record when the buffer is full.
func (r *Recorder) RecordFrame(rec metrics.FrameRecord) {
	r.writer.Write(rec)
}

// RecordSnapshot queues snapshot. It drops the snapshot when the buffer
// is full.
func (r *Recorder) RecordSnapshot(snapshot metrics.PipelineMetrics) {
	r.writer.Write(snapshot)
}

// Stats returns the underlying writer counters.
func (r *Recorder) Stats() AsyncWriterStats { return r.writer.Stats() }

// Close drains queued writes until ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	err := r.writer.Close(ctx)
	st := r.writer.Stats()
	r.logger.Info("Telemetry recorder closed",
		zap.Uint64("written", st.Written),
		zap.Uint64("failed", st.Failed),
		zap.Uint64("dropped", st.Dropped))
	return err
}
