package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"time"

	"mlpipeline/metrics"
	"mlpipeline/mlresult"
	"mlpipeline/pipeline"
	"mlpipeline/scheduler"
	"mlpipeline/vision"

	"go.uber.org/zap"
)

// frameProcessor is the part of pipeline.Orchestrator the feed loop uses.
type frameProcessor interface {
	ProcessFrame(ctx context.Context, img image.Image, opts pipeline.FrameOptions) mlresult.Result[pipeline.FrameOutcome]
}

// feedStats counts what happened to the frames the feed loop submitted.
type feedStats struct {
	Read     int64
	Queued   int64
	Sync     int64
	Degraded int64
	Failed   int64
	// Skipped frames arrived while the pipeline was not running
	Skipped int64
	// SourceErrors are frames the source could not produce
	SourceErrors int64
}

// feedFrames pulls frames from src at fps and hands them to proc until
// ctx is cancelled or the source is exhausted. A frame the source fails
// to produce is logged and skipped.
func feedFrames(ctx context.Context, src vision.FrameSource, proc frameProcessor, fps int, logger *zap.Logger) (feedStats, error) {
	var stats feedStats
	if fps <= 0 {
		fps = 1
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return stats, nil
		case <-ticker.C:
		}

		frame, err := src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			logger.Info("Frame source exhausted", zap.Int64("frames", stats.Read))
			return stats, nil
		case ctx.Err() != nil:
			return stats, nil
		case err != nil:
			stats.SourceErrors++
			logger.Warn("Failed to read frame", zap.Error(err))
			continue
		}
		stats.Read++

		opts := pipeline.FrameOptions{ID: frameID(frame), Priority: scheduler.PriorityNormal}
		res := proc.ProcessFrame(ctx, frame.Image, opts)
		stats.count(res)

		if res.IsError() && !errors.Is(res.Err(), mlresult.ErrNotRunning) {
			logger.Warn("Frame failed",
				zap.String("frame_id", opts.ID),
				zap.Bool("retryable", res.Retryable()),
				zap.Error(res.Err()))
		}
	}
}

func (s *feedStats) count(res mlresult.Result[pipeline.FrameOutcome]) {
	switch {
	case res.IsError() && errors.Is(res.Err(), mlresult.ErrNotRunning):
		s.Skipped++
	case res.IsError():
		s.Failed++
	case res.IsDegraded():
		s.Degraded++
	default:
		out, _ := res.Value()
		if out.Path == metrics.PathQueued {
			s.Queued++
		} else {
			s.Sync++
		}
	}
}

func frameID(f vision.Frame) string {
	return fmt.Sprintf("%s-%d", filepath.Base(f.Source), f.Sequence)
}

// drainResults consumes queued frame results until the channel closes.
// Outcomes are already recorded by the pipeline; failures are surfaced at
// warn level here.
func drainResults(results <-chan scheduler.FrameResult, logger *zap.Logger) int64 {
	var n int64
	for fr := range results {
		n++
		if fr.Outcome.IsError() {
			logger.Warn("Queued frame failed",
				zap.String("frame_id", fr.ID),
				zap.String("tier", fr.Tier.String()),
				zap.Error(fr.Outcome.Err()))
		}
	}
	return n
}
