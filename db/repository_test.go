package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mlpipeline/metrics"
	"mlpipeline/mlruntime"
	"mlpipeline/scheduler"
)

// openTestDB opens a migrated database in a temp directory.
func openTestDB(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "telemetry.db")
	database, err := Open(context.Background(), DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func frameRecord(id, status string, ts time.Time) metrics.FrameRecord {
	return metrics.FrameRecord{
		ID:             id,
		Path:           metrics.PathQueued,
		Status:         status,
		Backend:        "simulated",
		Tier:           "high",
		Priority:       "normal",
		Keypoints:      17,
		Confidence:     0.75,
		QueueTime:      12 * time.Millisecond,
		ProcessingTime: 30 * time.Millisecond,
		Timestamp:      ts,
	}
}

func TestOpen_CreatesDirectoryAndMigrates(t *testing.T) {
	database := openTestDB(t)

	if _, err := os.Stat(database.Path()); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	version, dirty, err := MigrationVersion(context.Background(), database.Path())
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if version != SchemaVersion || dirty {
		t.Errorf("version = %d dirty = %v, want %d clean", version, dirty, SchemaVersion)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Error("Open() with empty path succeeded, want error")
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "telemetry.db")

	if err := MigrateUp(ctx, path); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	if err := MigrateUp(ctx, path); err != nil {
		t.Fatalf("second MigrateUp() error = %v", err)
	}
	if err := MigrateDown(ctx, path, 1); err != nil {
		t.Fatalf("MigrateDown(1) error = %v", err)
	}
	if v, _, _ := MigrationVersion(ctx, path); v != 1 {
		t.Errorf("version after one step down = %d, want 1", v)
	}
	if err := MigrateDown(ctx, path, -1); err != nil {
		t.Fatalf("MigrateDown(-1) error = %v", err)
	}
	if v, _, _ := MigrationVersion(ctx, path); v != 0 {
		t.Errorf("version after full rollback = %d, want 0", v)
	}
}

func TestRepository_FrameResults(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	inputs := []metrics.FrameRecord{
		frameRecord("f1", metrics.FrameStatusSuccess, base),
		frameRecord("f2", metrics.FrameStatusDegraded, base.Add(time.Second)),
		frameRecord("f3", metrics.FrameStatusError, base.Add(2*time.Second)),
	}
	inputs[2].Backend = ""
	inputs[2].ErrorCode = "no_backend"
	inputs[2].ErrorMsg = "no inference backend available"

	for _, rec := range inputs {
		id, err := repo.InsertFrameResult(ctx, rec)
		if err != nil {
			t.Fatalf("InsertFrameResult(%s) error = %v", rec.ID, err)
		}
		if id <= 0 {
			t.Errorf("InsertFrameResult(%s) id = %d, want > 0", rec.ID, id)
		}
	}

	rows, err := repo.RecentFrameResults(ctx, 2)
	if err != nil {
		t.Fatalf("RecentFrameResults() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}

	got := rows[0].Record
	if got.ID != "f3" || got.ErrorCode != "no_backend" || got.Backend != "" {
		t.Errorf("newest row = %+v, want f3 with no_backend", got)
	}
	if !got.Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, base.Add(2*time.Second))
	}
	if rows[1].Record.ID != "f2" || rows[1].Record.QueueTime != 12*time.Millisecond {
		t.Errorf("second row = %+v, want f2 with 12ms queue time", rows[1].Record)
	}

	n, err := repo.CountFrameResults(ctx)
	if err != nil || n != 3 {
		t.Errorf("CountFrameResults() = %d, %v, want 3", n, err)
	}
}

func TestRepository_FrameOutcomeCounts(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	statuses := []string{
		metrics.FrameStatusSuccess,
		metrics.FrameStatusSuccess,
		metrics.FrameStatusDegraded,
		metrics.FrameStatusError,
	}
	for i, s := range statuses {
		if _, err := repo.InsertFrameResult(ctx, frameRecord("f", s, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("InsertFrameResult() error = %v", err)
		}
	}

	tests := []struct {
		name  string
		since time.Time
		want  map[string]int64
	}{
		{"all", time.Time{}, map[string]int64{"success": 2, "degraded": 1, "error": 1}},
		{"last two minutes", base.Add(2 * time.Minute), map[string]int64{"success": 0, "degraded": 1, "error": 1}},
		{"future", base.Add(time.Hour), map[string]int64{"success": 0, "degraded": 0, "error": 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.FrameOutcomeCounts(ctx, tt.since)
			if err != nil {
				t.Fatalf("FrameOutcomeCounts() error = %v", err)
			}
			for status, want := range tt.want {
				if got[status] != want {
					t.Errorf("%s = %d, want %d", status, got[status], want)
				}
			}
		})
	}
}

func TestRepository_MetricsSnapshots(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	snap := metrics.PipelineMetrics{
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		State:          "running",
		MemoryPressure: 0.42,
		MemoryUsedMB:   420,
		MemoryMaxMB:    1000,
		Registry:       mlruntime.RegistryStats{InterpreterCount: 2},
		Pool:           mlruntime.PoolStats{Size: 3},
		Scheduler:      scheduler.Stats{QueueLength: 1, TargetFPS: 24, Tier: scheduler.TierMedium},
		Device:         metrics.DeviceMetrics{Thermal: 0.3, Battery: 0.8},
	}
	if _, err := repo.InsertMetricsSnapshot(ctx, snap); err != nil {
		t.Fatalf("InsertMetricsSnapshot() error = %v", err)
	}

	rows, err := repo.RecentMetricsSnapshots(ctx, 10)
	if err != nil {
		t.Fatalf("RecentMetricsSnapshots() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.State != "running" || got.InterpreterCount != 2 || got.PoolSize != 3 {
		t.Errorf("row = %+v", got)
	}
	if got.Tier != scheduler.TierMedium.String() || got.TargetFPS != 24 {
		t.Errorf("scheduler columns = %s %v", got.Tier, got.TargetFPS)
	}
	if !got.SampledAt.Equal(snap.Timestamp) {
		t.Errorf("SampledAt = %v, want %v", got.SampledAt, snap.Timestamp)
	}
}

func TestDatabase_Cleanup(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	repo := NewRepository(database)

	for i := 0; i < 3; i++ {
		if _, err := repo.InsertFrameResult(ctx, frameRecord("f", metrics.FrameStatusSuccess, time.Now())); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.InsertMetricsSnapshot(ctx, metrics.PipelineMetrics{State: "running"}); err != nil {
		t.Fatal(err)
	}
	if _, err := database.ExecContext(ctx,
		"UPDATE frame_results SET created_at = datetime('now', '-10 days') WHERE id <= 2"); err != nil {
		t.Fatal(err)
	}

	result, err := database.Cleanup(ctx, 7)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.FrameResultsDeleted != 2 || result.MetricsSnapshotDeleted != 0 || result.TotalDeleted != 2 {
		t.Errorf("Cleanup() = %+v, want 2 frame rows deleted", result)
	}

	if n, _ := repo.CountFrameResults(ctx); n != 1 {
		t.Errorf("remaining frame rows = %d, want 1", n)
	}

	if _, err := database.Cleanup(ctx, -1); err == nil {
		t.Error("Cleanup(-1) succeeded, want error")
	}
}

func TestDatabase_CleanupScheduler(t *testing.T) {
	database := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())

	runs := make(chan CleanupResult, 4)
	done := database.StartCleanupScheduler(ctx, CleanupSchedulerConfig{
		RetentionDays: 1,
		Interval:      time.Hour,
		OnCleanup: func(r CleanupResult, err error) {
			if err != nil {
				t.Errorf("cleanup error = %v", err)
			}
			runs <- r
		},
	})

	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("initial cleanup never ran")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestDatabase_Closed(t *testing.T) {
	database := openTestDB(t)
	if err := database.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := database.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := database.Ping(context.Background()); err != ErrClosed {
		t.Errorf("Ping() error = %v, want ErrClosed", err)
	}
	if _, err := NewRepository(database).CountFrameResults(context.Background()); err != ErrClosed {
		t.Errorf("CountFrameResults() error = %v, want ErrClosed", err)
	}
}
