package shutdown

import (
	"context"
	"errors"
	"io"
	"syscall"

	"go.uber.org/zap"

	"mlpipeline/core"
)

// CloseFunc adapts an io.Closer into a shutdown step.
//
// Usage:
//
//	manager.Register("telemetry-db", PriorityStorage, shutdown.CloseFunc(database))
func CloseFunc(c io.Closer) core.ShutdownFunc {
	return func(context.Context) error {
		return c.Close()
	}
}

// StopFunc adapts a blocking stop method. The step gives up when ctx
// ends first; the stop call keeps running in the background.
func StopFunc(stop func()) core.ShutdownFunc {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			defer close(done)
			stop()
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SyncLogger flushes a zap logger. Sync on a terminal or pipe reports
// EINVAL or ENOTTY, which is ignored.
//
// Register it with PriorityFinal so it runs after everything that logs.
func SyncLogger(logger *zap.Logger) core.ShutdownFunc {
	return func(context.Context) error {
		err := logger.Sync()
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
			return nil
		}
		return err
	}
}
