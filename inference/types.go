// Package inference defines the pose-estimation backend contract used by
// the pipeline and ships two implementations: a deterministic simulated
// backend and a remote backend that talks to an OpenAI-compatible vision
// endpoint.
//
// Backends never hold native resources themselves. Initialize returns an
// mlruntime.Handle that the caller hands to the resource registry, and
// Infer is only ever called with that handle while the registry lock is
// held.
package inference

import (
	"context"
	"errors"
	"image"
	"time"

	"mlpipeline/mlruntime"
)

// Inference errors
var (
	ErrWrongHandle  = errors.New("inference: handle does not belong to this backend")
	ErrHandleClosed = errors.New("inference: handle closed")
	ErrBadResponse  = errors.New("inference: malformed model response")
)

// KeypointNames are the 17 COCO body keypoints, in model output order.
var KeypointNames = []string{
	"nose",
	"left_eye", "right_eye",
	"left_ear", "right_ear",
	"left_shoulder", "right_shoulder",
	"left_elbow", "right_elbow",
	"left_wrist", "right_wrist",
	"left_hip", "right_hip",
	"left_knee", "right_knee",
	"left_ankle", "right_ankle",
}

// Keypoint is one detected body landmark. X and Y are normalized to the
// model input, Score is the landmark confidence in [0, 1].
type Keypoint struct {
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Inference is the output of one backend invocation.
type Inference struct {
	Backend     string        `json:"backend"`
	Keypoints   []Keypoint    `json:"keypoints"`
	Confidence  float64       `json:"confidence"`
	InputWidth  int           `json:"input_width"`
	InputHeight int           `json:"input_height"`
	Latency     time.Duration `json:"latency"`
}

// Backend is a pose-estimation engine.
type Backend interface {
	// Name is the registry key the backend's handle is stored under.
	Name() string
	// Initialize acquires the backend's native resources.
	Initialize(ctx context.Context) (mlruntime.Handle, error)
	// Infer runs the model on img using a handle from Initialize.
	Infer(ctx context.Context, h mlruntime.Handle, img image.Image) (Inference, error)
}

// meanScore averages keypoint scores.
func meanScore(kps []Keypoint) float64 {
	if len(kps) == 0 {
		return 0
	}
	var sum float64
	for _, kp := range kps {
		sum += kp.Score
	}
	return sum / float64(len(kps))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
