// Package scheduler implements the adaptive frame scheduler: a bounded
// FIFO of frame requests drained by a single background loop that picks a
// quality tier and frame rate from current device conditions before each
// frame.
package scheduler

import (
	"image"
	"time"

	"mlpipeline/inference"
	"mlpipeline/mlresult"
)

// Priority is carried with each request for telemetry. The queue itself
// is strictly FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority maps "low", "normal" and "high" to a Priority. Anything
// else is PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// QualityTier controls inference input resolution and frame rate.
type QualityTier int

const (
	TierHigh QualityTier = iota
	TierMedium
	TierLow
)

func (q QualityTier) String() string {
	switch q {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// Scale is the resolution factor applied to the base resolution.
func (q QualityTier) Scale() float64 {
	switch q {
	case TierMedium:
		return 0.75
	case TierLow:
		return 0.5
	default:
		return 1.0
	}
}

// Resolution returns the square input size for this tier, never below 1.
func (q QualityTier) Resolution(base int) int {
	return max(1, int(float64(base)*q.Scale()))
}

// FrameRequest is one unit of work submitted to the scheduler.
type FrameRequest struct {
	ID        string
	Image     image.Image
	Timestamp time.Time
	Priority  Priority
}

// FrameResult is produced by the loop for every dequeued request.
type FrameResult struct {
	ID             string
	Outcome        mlresult.Result[inference.Inference]
	Priority       Priority
	Tier           QualityTier
	Resolution     int
	QueueTime      time.Duration
	ProcessingTime time.Duration
	Timestamp      time.Time
}
