package inference

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"mlpipeline/mlresult"
	"mlpipeline/mlruntime"
	"mlpipeline/vision"
)

// skeleton holds each keypoint's offset from the body centre in units of
// the body's spread, roughly a person standing upright.
var skeleton = [17][2]float64{
	{0, -1.6},                     // nose
	{-0.12, -1.7}, {0.12, -1.7},   // eyes
	{-0.25, -1.65}, {0.25, -1.65}, // ears
	{-0.7, -1.1}, {0.7, -1.1},     // shoulders
	{-0.9, -0.4}, {0.9, -0.4},     // elbows
	{-1.0, 0.2}, {1.0, 0.2},       // wrists
	{-0.4, 0.3}, {0.4, 0.3},       // hips
	{-0.45, 1.1}, {0.45, 1.1},     // knees
	{-0.5, 1.8}, {0.5, 1.8},       // ankles
}

// SimulatedConfig tunes the simulated backend.
type SimulatedConfig struct {
	// Name overrides the registry key. Defaults to "simulated".
	Name string
	// Latency is added to every inference.
	Latency time.Duration
	// SampleStep is the pixel stride for luminance statistics.
	SampleStep int
}

// DefaultSimulatedConfig returns the configuration used when nothing is set.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{Name: "simulated", SampleStep: 2}
}

// SimulatedBackend is a deterministic pose estimator. It places a fixed
// skeleton over the brightness centroid of the frame, so the same frame
// always yields the same keypoints. Faults can be injected to exercise
// the pipeline's degraded and error paths.
//
// Example:
//
//	backend := inference.NewSimulatedBackend(inference.DefaultSimulatedConfig())
//	handle, _ := backend.Initialize(ctx)
//	registry.Register(backend.Name(), handle)
type SimulatedBackend struct {
	cfg SimulatedConfig

	mu        sync.Mutex
	initErr   error
	inferErr  error
	panicNext bool

	calls atomic.Int64
}

// NewSimulatedBackend creates a simulated backend.
func NewSimulatedBackend(cfg SimulatedConfig) *SimulatedBackend {
	if cfg.Name == "" {
		cfg.Name = "simulated"
	}
	if cfg.SampleStep < 1 {
		cfg.SampleStep = 2
	}
	return &SimulatedBackend{cfg: cfg}
}

// Name returns the configured backend name.
func (b *SimulatedBackend) Name() string { return b.cfg.Name }

// FailInitialize makes the next Initialize calls return err. nil clears it.
func (b *SimulatedBackend) FailInitialize(err error) {
	b.mu.Lock()
	b.initErr = err
	b.mu.Unlock()
}

// FailInfer makes Infer return err until cleared with nil. Wrap
// mlresult.ErrResourceExhausted to simulate an out-of-memory delegate.
func (b *SimulatedBackend) FailInfer(err error) {
	b.mu.Lock()
	b.inferErr = err
	b.mu.Unlock()
}

// PanicNext makes the next Infer call panic.
func (b *SimulatedBackend) PanicNext() {
	b.mu.Lock()
	b.panicNext = true
	b.mu.Unlock()
}

// Calls returns how many times Infer ran.
func (b *SimulatedBackend) Calls() int64 { return b.calls.Load() }

// Initialize returns a fresh handle, or the injected initialization error.
func (b *SimulatedBackend) Initialize(ctx context.Context) (mlruntime.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	err := b.initErr
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s: initialize: %w", b.cfg.Name, err)
	}
	return &simulatedHandle{owner: b}, nil
}

// Infer derives deterministic keypoints from img after the configured
// latency. It fails on a foreign or closed handle.
func (b *SimulatedBackend) Infer(ctx context.Context, h mlruntime.Handle, img image.Image) (Inference, error) {
	handle, ok := h.(*simulatedHandle)
	if !ok || handle.owner != b {
		return Inference{}, ErrWrongHandle
	}
	if handle.closed.Load() {
		return Inference{}, ErrHandleClosed
	}
	if img == nil {
		return Inference{}, vision.ErrNilImage
	}

	b.calls.Add(1)
	b.mu.Lock()
	err, panicNow := b.inferErr, b.panicNext
	b.panicNext = false
	b.mu.Unlock()

	if panicNow {
		panic("simulated delegate crash")
	}
	if err != nil {
		return Inference{}, err
	}

	start := time.Now()
	if b.cfg.Latency > 0 {
		timer := time.NewTimer(b.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Inference{}, ctx.Err()
		case <-timer.C:
		}
	}

	stats := vision.MeasureLuma(img, b.cfg.SampleStep)
	kps := placeSkeleton(stats)

	return Inference{
		Backend:     b.cfg.Name,
		Keypoints:   kps,
		Confidence:  meanScore(kps),
		InputWidth:  img.Bounds().Dx(),
		InputHeight: img.Bounds().Dy(),
		Latency:     time.Since(start),
	}, nil
}

func placeSkeleton(stats vision.LumaStats) []Keypoint {
	spreadX := max(stats.SpreadX, 0.02)
	spreadY := max(stats.SpreadY, 0.02) / 2
	// Contrast drives confidence: a flat frame has nothing to detect.
	score := clamp01(stats.StdDev * 4)

	kps := make([]Keypoint, len(KeypointNames))
	for i, name := range KeypointNames {
		kps[i] = Keypoint{
			Name:  name,
			X:     clamp01(stats.CentroidX + skeleton[i][0]*spreadX),
			Y:     clamp01(stats.CentroidY + skeleton[i][1]*spreadY),
			Score: score,
		}
	}
	return kps
}

// simulatedHandle is the registry-managed resource of a SimulatedBackend.
type simulatedHandle struct {
	owner  *SimulatedBackend
	closed atomic.Bool
}

func (h *simulatedHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", h.owner.cfg.Name, ErrHandleClosed)
	}
	return nil
}

// Exhausted wraps msg as a resource exhaustion error, the way a native
// delegate reports an allocation failure.
func Exhausted(msg string) error {
	return fmt.Errorf("%s: %w", msg, mlresult.ErrResourceExhausted)
}
