package metrics

// MetricsCollector defines the interface the pipeline reports into and the
// web API reads from.
//
// Implementations must be safe for concurrent use and return zero values
// for metrics that have not been recorded yet.
type MetricsCollector interface {
	// RecordFrame logs one processed frame.
	RecordFrame(rec FrameRecord)

	// GetFrameMetrics returns aggregated frame statistics.
	GetFrameMetrics() FrameMetrics

	// GetRecentFrames returns the N most recent frame records, oldest first.
	GetRecentFrames(limit int) []FrameRecord

	// UpdateSnapshot stores the latest pipeline snapshot.
	UpdateSnapshot(snapshot PipelineMetrics)

	// GetSnapshot returns the latest pipeline snapshot, if any.
	GetSnapshot() (PipelineMetrics, bool)

	// GetSystemStatus returns the overall system health status.
	GetSystemStatus() SystemStatus
}
