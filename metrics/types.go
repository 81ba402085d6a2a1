// Package metrics provides the telemetry data types of the frame pipeline,
// an in-memory metrics store, the device condition collector and the
// replay-latest snapshot broadcaster.
// This file contains atom-level type definitions with no behavior.
package metrics

import (
	"time"

	"mlpipeline/mlruntime"
	"mlpipeline/scheduler"
)

// FrameRecord is the outcome of one processed frame.
// This is a pure data structure used by the store, the telemetry
// database and the web API.
type FrameRecord struct {
	// ID is the frame identifier supplied by the caller or generated
	ID string `json:"id"`

	// Path is how the frame was processed: "queued", "sync" or "degraded"
	Path string `json:"path"`

	// Status is the result kind: "success", "degraded" or "error"
	Status string `json:"status"`

	// Backend names the inference backend that produced the result
	Backend string `json:"backend,omitempty"`

	// Tier is the quality tier the frame was processed at
	Tier string `json:"tier"`

	// Priority is the submitted priority
	Priority string `json:"priority"`

	// Keypoints is the number of keypoints detected
	Keypoints int `json:"keypoints"`

	// Confidence is the mean keypoint score
	Confidence float64 `json:"confidence"`

	// QueueTime is how long the frame waited before processing
	QueueTime time.Duration `json:"queue_time"`

	// ProcessingTime is the resize plus inference time
	ProcessingTime time.Duration `json:"processing_time"`

	// ErrorCode classifies the failure cause for degraded and error results
	ErrorCode string `json:"error_code,omitempty"`

	// ErrorMsg carries the cause or degradation message
	ErrorMsg string `json:"error_msg,omitempty"`

	// Timestamp is when processing finished
	Timestamp time.Time `json:"timestamp"`
}

// DeviceMetrics is one device sensor sample.
type DeviceMetrics struct {
	// Thermal is the normalized device temperature (0 cool, 1 critical)
	Thermal float64 `json:"thermal"`

	// TemperatureC is the raw hottest zone temperature, 0 when unknown
	TemperatureC float64 `json:"temperature_c"`

	// Battery is the remaining charge in [0, 1], 1 on mains power
	Battery float64 `json:"battery"`

	// Charging reports whether the device is on external power
	Charging bool `json:"charging"`

	// HasThermal and HasBattery report which sensors were found
	HasThermal bool `json:"has_thermal"`
	HasBattery bool `json:"has_battery"`
}

// PipelineMetrics is the periodic snapshot published by the orchestrator.
type PipelineMetrics struct {
	Timestamp time.Time `json:"timestamp"`

	// State is the orchestrator lifecycle state
	State string `json:"state"`

	MemoryPressure float64 `json:"memory_pressure"`
	MemoryUsedMB   float64 `json:"memory_used_mb"`
	MemoryMaxMB    float64 `json:"memory_max_mb"`

	Registry  mlruntime.RegistryStats `json:"registry"`
	Pool      mlruntime.PoolStats     `json:"pool"`
	Scheduler scheduler.Stats         `json:"scheduler"`
	Device    DeviceMetrics           `json:"device"`

	// CollectionError is set when part of the snapshot could not be read
	CollectionError string `json:"collection_error,omitempty"`
}

// FrameMetrics is the aggregate of all recorded frames.
// This is a pure data structure with no behavior.
type FrameMetrics struct {
	TotalProcessed int64 `json:"total_processed"`
	TotalSuccess   int64 `json:"total_success"`
	TotalDegraded  int64 `json:"total_degraded"`
	TotalErrors    int64 `json:"total_errors"`

	// ByPath contains per processing path statistics
	ByPath map[string]*PathMetrics `json:"by_path"`
}

// PathMetrics is the aggregate for one processing path.
type PathMetrics struct {
	Count       int64         `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// SystemStatus represents the overall system health and status.
type SystemStatus struct {
	// Health is "running", "degraded" or "stopped"
	Health    string        `json:"health"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	LastCheck time.Time     `json:"last_check"`
}

// Frame status constants
const (
	FrameStatusSuccess  = "success"
	FrameStatusDegraded = "degraded"
	FrameStatusError    = "error"
)

// Processing path constants
const (
	PathQueued   = "queued"
	PathSync     = "sync"
	PathDegraded = "degraded"
)

// Health constants for SystemStatus
const (
	SystemHealthRunning  = "running"
	SystemHealthDegraded = "degraded"
	SystemHealthStopped  = "stopped"
)
