package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mlpipeline/metrics"
)

// timeLayout is how timestamps are stored. It sorts lexically and is
// comparable with SQLite's datetime().
const timeLayout = "2006-01-02 15:04:05.000"

// FrameResultRow is a stored frame outcome.
type FrameResultRow struct {
	ID     int64
	Record metrics.FrameRecord
}

// MetricsSnapshotRow is a stored metrics snapshot summary.
type MetricsSnapshotRow struct {
	ID               int64
	State            string
	MemoryPressure   float64
	MemoryUsedMB     float64
	MemoryMaxMB      float64
	InterpreterCount int
	PoolSize         int
	QueueLength      int
	TargetFPS        float64
	Tier             string
	Thermal          float64
	Battery          float64
	CollectionError  string
	SampledAt        time.Time
}

// Repository reads and writes the telemetry tables.
type Repository struct {
	db *Database
}

// NewRepository wraps database.
func NewRepository(database *Database) *Repository {
	return &Repository{db: database}
}

// InsertFrameResult stores one frame outcome and returns its row ID.
func (r *Repository) InsertFrameResult(ctx context.Context, rec metrics.FrameRecord) (int64, error) {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO frame_results (
			frame_id, path, status, backend, tier, priority, keypoints,
			confidence, queue_ms, processing_ms, error_code, error_message,
			processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Path,
		rec.Status,
		nullString(rec.Backend),
		rec.Tier,
		rec.Priority,
		rec.Keypoints,
		rec.Confidence,
		rec.QueueTime.Milliseconds(),
		rec.ProcessingTime.Milliseconds(),
		nullString(rec.ErrorCode),
		nullString(rec.ErrorMsg),
		ts.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert frame result: %w", err)
	}
	return res.LastInsertId()
}

// InsertMetricsSnapshot stores the summary columns of snap.
func (r *Repository) InsertMetricsSnapshot(ctx context.Context, snap metrics.PipelineMetrics) (int64, error) {
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO pipeline_metrics (
			state, memory_pressure, memory_used_mb, memory_max_mb,
			interpreter_count, pool_size, queue_length, target_fps, tier,
			thermal, battery, collection_error, sampled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.State,
		snap.MemoryPressure,
		snap.MemoryUsedMB,
		snap.MemoryMaxMB,
		snap.Registry.InterpreterCount,
		snap.Pool.Size,
		snap.Scheduler.QueueLength,
		snap.Scheduler.TargetFPS,
		snap.Scheduler.Tier.String(),
		snap.Device.Thermal,
		snap.Device.Battery,
		nullString(snap.CollectionError),
		ts.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert metrics snapshot: %w", err)
	}
	return res.LastInsertId()
}

// RecentFrameResults returns up to limit frame outcomes, newest first.
func (r *Repository) RecentFrameResults(ctx context.Context, limit int) ([]FrameResultRow, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, frame_id, path, status, COALESCE(backend, ''), tier, priority,
			   keypoints, confidence, queue_ms, processing_ms,
			   COALESCE(error_code, ''), COALESCE(error_message, ''), processed_at
		FROM frame_results
		ORDER BY processed_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame results: %w", err)
	}
	defer rows.Close()

	var out []FrameResultRow
	for rows.Next() {
		var (
			row                FrameResultRow
			queueMS, processMS int64
			processedAt        string
		)
		rec := &row.Record
		if err := rows.Scan(
			&row.ID,
			&rec.ID,
			&rec.Path,
			&rec.Status,
			&rec.Backend,
			&rec.Tier,
			&rec.Priority,
			&rec.Keypoints,
			&rec.Confidence,
			&queueMS,
			&processMS,
			&rec.ErrorCode,
			&rec.ErrorMsg,
			&processedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan frame result row: %w", err)
		}
		rec.QueueTime = time.Duration(queueMS) * time.Millisecond
		rec.ProcessingTime = time.Duration(processMS) * time.Millisecond
		rec.Timestamp = parseTime(processedAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating frame result rows: %w", err)
	}
	return out, nil
}

// FrameOutcomeCounts returns the number of frames per status processed at
// or after since. A zero since counts everything.
func (r *Repository) FrameOutcomeCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM frame_results
		WHERE processed_at >= ?
		GROUP BY status`, since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to count frame outcomes: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{
		metrics.FrameStatusSuccess:  0,
		metrics.FrameStatusDegraded: 0,
		metrics.FrameStatusError:    0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome counts: %w", err)
	}
	return counts, nil
}

// RecentMetricsSnapshots returns up to limit snapshots, newest first.
func (r *Repository) RecentMetricsSnapshots(ctx context.Context, limit int) ([]MetricsSnapshotRow, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, state, memory_pressure, memory_used_mb, memory_max_mb,
			   interpreter_count, pool_size, queue_length, target_fps,
			   COALESCE(tier, ''), thermal, battery,
			   COALESCE(collection_error, ''), sampled_at
		FROM pipeline_metrics
		ORDER BY sampled_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics snapshots: %w", err)
	}
	defer rows.Close()

	var out []MetricsSnapshotRow
	for rows.Next() {
		var row MetricsSnapshotRow
		var sampledAt string
		if err := rows.Scan(
			&row.ID,
			&row.State,
			&row.MemoryPressure,
			&row.MemoryUsedMB,
			&row.MemoryMaxMB,
			&row.InterpreterCount,
			&row.PoolSize,
			&row.QueueLength,
			&row.TargetFPS,
			&row.Tier,
			&row.Thermal,
			&row.Battery,
			&row.CollectionError,
			&sampledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan metrics snapshot row: %w", err)
		}
		row.SampledAt = parseTime(sampledAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics snapshot rows: %w", err)
	}
	return out, nil
}

// CountFrameResults returns the number of stored frame outcomes.
func (r *Repository) CountFrameResults(ctx context.Context) (int64, error) {
	row, err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM frame_results")
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count frame results: %w", err)
	}
	return n, nil
}

// nullString stores an empty string as NULL.
func nullString(s string) any {
	if s == "" {
		return sql.NullString{}
	}
	return s
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.DateTime, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}
