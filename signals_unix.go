//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"mlpipeline/pipeline"

	"go.uber.org/zap"
)

// lifecycleSignals maps SIGUSR1 to Backgrounded and SIGUSR2 to
// Foregrounded.
var lifecycleSignals = map[os.Signal]pipeline.LifecycleEvent{
	syscall.SIGUSR1: pipeline.Backgrounded,
	syscall.SIGUSR2: pipeline.Foregrounded,
}

// watchLifecycleSignals emits host lifecycle events on bus for the
// lifecycle signals until ctx is cancelled.
//
// Example:
//
//	kill -USR1 $(pidof mlpipeline)   # pause processing
//	kill -USR2 $(pidof mlpipeline)   # resume
func watchLifecycleSignals(ctx context.Context, bus *pipeline.LifecycleBus, logger *zap.Logger) {
	ch := make(chan os.Signal, 4)
	for sig := range lifecycleSignals {
		signal.Notify(ch, sig)
	}

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				event := lifecycleSignals[sig]
				logger.Info("Lifecycle signal received",
					zap.String("signal", sig.String()),
					zap.String("event", event.String()))
				bus.Emit(event)
			}
		}
	}()
}
