package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CleanupResult contains statistics about a cleanup run.
type CleanupResult struct {
	FrameResultsDeleted    int64
	MetricsSnapshotDeleted int64
	TotalDeleted           int64
	Duration               time.Duration
}

// retentionTables have a created_at column and a retention policy.
var retentionTables = []string{"frame_results", "pipeline_metrics"}

// Cleanup deletes rows older than retentionDays in one transaction and
// then runs VACUUM. A VACUUM failure is reported after the deletes have
// been committed.
//
// Example:
//
//	result, err := database.Cleanup(ctx, 7)
//	if err != nil {
//	    logger.Warn("Cleanup failed", zap.Error(err))
//	}
func (d *Database) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	start := time.Now()
	var result CleanupResult

	if retentionDays < 0 {
		return result, fmt.Errorf("retentionDays must be non-negative, got %d", retentionDays)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return result, ErrClosed
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleted := make(map[string]int64, len(retentionTables))
	for _, table := range retentionTables {
		query := fmt.Sprintf("DELETE FROM %s WHERE created_at < datetime('now', ?)", table)
		res, err := tx.ExecContext(ctx, query, fmt.Sprintf("-%d days", retentionDays))
		if err != nil {
			return result, fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("failed to get rows affected for %s: %w", table, err)
		}
		deleted[table] = n
		result.TotalDeleted += n
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}
	result.FrameResultsDeleted = deleted["frame_results"]
	result.MetricsSnapshotDeleted = deleted["pipeline_metrics"]

	if _, err := d.conn.ExecContext(ctx, "VACUUM"); err != nil {
		result.Duration = time.Since(start)
		return result, fmt.Errorf("cleanup succeeded but VACUUM failed: %w", err)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// CleanupSchedulerConfig configures StartCleanupScheduler.
type CleanupSchedulerConfig struct {
	RetentionDays int
	Interval      time.Duration
	Logger        *zap.Logger
	// OnCleanup is called after each run (optional)
	OnCleanup func(result CleanupResult, err error)
}

// DefaultCleanupSchedulerConfig keeps a week of telemetry and cleans
// daily.
func DefaultCleanupSchedulerConfig() CleanupSchedulerConfig {
	return CleanupSchedulerConfig{
		RetentionDays: 7,
		Interval:      24 * time.Hour,
	}
}

// StartCleanupScheduler runs Cleanup immediately and then every
// Interval until ctx is cancelled. The returned channel is closed when
// the goroutine exits.
func (d *Database) StartCleanupScheduler(ctx context.Context, cfg CleanupSchedulerConfig) <-chan struct{} {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCleanupSchedulerConfig().Interval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	done := make(chan struct{})
	run := func() {
		result, err := d.Cleanup(ctx, cfg.RetentionDays)
		if err != nil && ctx.Err() == nil {
			logger.Warn("Telemetry cleanup failed", zap.Error(err))
		} else if err == nil {
			logger.Debug("Telemetry cleanup finished",
				zap.Int64("deleted", result.TotalDeleted),
				zap.Duration("duration", result.Duration))
		}
		if cfg.OnCleanup != nil {
			cfg.OnCleanup(result, err)
		}
	}

	go func() {
		defer close(done)
		run()

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
	return done
}
