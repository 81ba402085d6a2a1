package metrics

import (
	"sync"
	"time"
)

// MetricsStore is an in-memory storage organism for pipeline telemetry.
// It implements MetricsCollector with thread-safe access to recent frame
// records, frame aggregates and the latest pipeline snapshot.
//
// Usage:
//
//	store := NewMetricsStore(DefaultStoreConfig(), time.Now())
//	store.RecordFrame(rec)
//	agg := store.GetFrameMetrics()
type MetricsStore struct {
	mu sync.RWMutex

	// Frame history (circular buffer)
	frames    []FrameRecord
	frameCap  int
	frameHead int
	frameSize int

	// Frame aggregation
	total    int64
	success  int64
	degraded int64
	errors   int64
	byPath   map[string]*pathStats

	snapshot    PipelineMetrics
	hasSnapshot bool

	startTime time.Time
	version   string
}

type pathStats struct {
	count         int64
	successCount  int64
	totalDuration time.Duration
}

// StoreConfig configures the MetricsStore behavior.
type StoreConfig struct {
	// FrameHistoryCapacity is the max number of frame records to retain
	FrameHistoryCapacity int
	// Version is the application version string
	Version string
}

// DefaultStoreConfig returns a default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		FrameHistoryCapacity: 500,
		Version:              "0.0.0",
	}
}

// NewMetricsStore creates a new MetricsStore. startTime is used for uptime.
func NewMetricsStore(config StoreConfig, startTime time.Time) *MetricsStore {
	capacity := config.FrameHistoryCapacity
	if capacity < 1 {
		capacity = 500
	}

	return &MetricsStore{
		frames:    make([]FrameRecord, capacity),
		frameCap:  capacity,
		byPath:    make(map[string]*pathStats),
		startTime: startTime,
		version:   config.Version,
	}
}

// RecordFrame logs one processed frame.
func (s *MetricsStore) RecordFrame(rec FrameRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames[s.frameHead] = rec
	s.frameHead = (s.frameHead + 1) % s.frameCap
	if s.frameSize < s.frameCap {
		s.frameSize++
	}

	s.total++
	switch rec.Status {
	case FrameStatusSuccess:
		s.success++
	case FrameStatusDegraded:
		s.degraded++
	case FrameStatusError:
		s.errors++
	}

	stats, ok := s.byPath[rec.Path]
	if !ok {
		stats = &pathStats{}
		s.byPath[rec.Path] = stats
	}
	stats.count++
	if rec.Status == FrameStatusSuccess {
		stats.successCount++
	}
	stats.totalDuration += rec.ProcessingTime
}

// GetFrameMetrics returns aggregated frame statistics.
func (s *MetricsStore) GetFrameMetrics() FrameMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := FrameMetrics{
		TotalProcessed: s.total,
		TotalSuccess:   s.success,
		TotalDegraded:  s.degraded,
		TotalErrors:    s.errors,
		ByPath:         make(map[string]*PathMetrics, len(s.byPath)),
	}

	for path, stats := range s.byPath {
		pm := &PathMetrics{Count: stats.count}
		if stats.count > 0 {
			pm.SuccessRate = float64(stats.successCount) / float64(stats.count) * 100
			pm.AvgDuration = stats.totalDuration / time.Duration(stats.count)
		}
		m.ByPath[path] = pm
	}
	return m
}

// GetRecentFrames returns the N most recent frame records, oldest first.
// If limit exceeds available records, all available are returned.
func (s *MetricsStore) GetRecentFrames(limit int) []FrameRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.frameSize == 0 {
		return []FrameRecord{}
	}
	if limit > s.frameSize {
		limit = s.frameSize
	}

	result := make([]FrameRecord, limit)
	for i := 0; i < limit; i++ {
		idx := (s.frameHead - limit + i + s.frameCap) % s.frameCap
		result[i] = s.frames[idx]
	}
	return result
}

// UpdateSnapshot stores the latest pipeline snapshot.
func (s *MetricsStore) UpdateSnapshot(snapshot PipelineMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	s.hasSnapshot = true
}

// GetSnapshot returns the latest pipeline snapshot.
func (s *MetricsStore) GetSnapshot() (PipelineMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.hasSnapshot
}

// GetSystemStatus derives health from the latest snapshot: stopped until
// the pipeline reports running, degraded when the registry is unhealthy or
// the last snapshot had a collection error.
func (s *MetricsStore) GetSystemStatus() SystemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := SystemHealthStopped
	if s.hasSnapshot {
		switch s.snapshot.State {
		case "running", "paused":
			health = SystemHealthRunning
			if !s.snapshot.Registry.Healthy || s.snapshot.CollectionError != "" {
				health = SystemHealthDegraded
			}
		}
	}

	return SystemStatus{
		Health:    health,
		Version:   s.version,
		Uptime:    time.Since(s.startTime),
		LastCheck: time.Now(),
	}
}

var _ MetricsCollector = (*MetricsStore)(nil)
