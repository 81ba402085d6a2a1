//go:build windows

package main

import (
	"context"

	"mlpipeline/pipeline"

	"go.uber.org/zap"
)

// watchLifecycleSignals is a no-op on Windows, which has no user signals.
// Use POST /api/lifecycle/{event} instead.
func watchLifecycleSignals(ctx context.Context, bus *pipeline.LifecycleBus, logger *zap.Logger) {
	logger.Debug("Lifecycle signals unavailable on windows")
}
