package main

import (
	"context"
	"time"

	"mlpipeline/core"
	"mlpipeline/db"
	"mlpipeline/inference"
	"mlpipeline/logging"
	"mlpipeline/metrics"
	"mlpipeline/mlruntime"
	"mlpipeline/pipeline"
	"mlpipeline/shutdown"
	"mlpipeline/vision"
	"mlpipeline/webui"
	"mlpipeline/webui/auth"

	"go.uber.org/zap"
)

// runOptions controls how run waits for shutdown.
type runOptions struct {
	// watchSignals installs SIGINT/SIGTERM handling and the lifecycle
	// signal mapping. The service wrapper leaves it off and closes stop.
	watchSignals bool
	// stop, when closed, triggers shutdown
	stop <-chan struct{}
	// started, when set, is closed once the pipeline is running
	started chan<- struct{}
}

// run wires the pipeline and blocks until shutdown. It returns the exit
// code.
//
// Startup order: telemetry, backends, device collector, orchestrator,
// frame feed, web UI. Teardown runs in shutdown priority order: web UI
// and feed first, then the orchestrator and collector, then telemetry,
// then the log sync.
func run(cfg *core.Config, logger *logging.Logger, opts runOptions) int {
	zl := logger.Zap()
	manager := shutdown.NewManager(zl.Named("shutdown"))
	manager.Register("logger-sync", shutdown.PriorityFinal, shutdown.SyncLogger(zl))
	ctx := manager.Context()

	store := metrics.NewMetricsStore(metrics.StoreConfig{
		FrameHistoryCapacity: metrics.DefaultStoreConfig().FrameHistoryCapacity,
		Version:              core.Version,
	}, time.Now())

	var pipeOpts []pipeline.Option
	var history webui.FrameHistory

	if cfg.Telemetry.DBPath != "" {
		repo, recorder, err := openTelemetry(ctx, cfg.Telemetry, manager, zl.Named("telemetry"))
		if err != nil {
			logger.Warn("Telemetry disabled", zap.String("path", cfg.Telemetry.DBPath), zap.Error(err))
		} else {
			pipeOpts = append(pipeOpts, pipeline.WithRecorder(recorder))
			history = repo
		}
	}

	collector := metrics.NewDeviceCollector(metrics.DeviceCollectorConfig{
		CollectionInterval: cfg.Pipeline.DevicePollInterval,
	}, nil, nil)
	collector.Start()
	manager.Register("device-collector", shutdown.PriorityWorkers, shutdown.StopFunc(collector.Stop))

	bus := pipeline.NewLifecycleBus(zl.Named("lifecycle"))
	pipeOpts = append(pipeOpts,
		pipeline.WithLogger(zl.Named("pipeline")),
		pipeline.WithMemoryReader(mlruntime.RuntimeMemoryReader{Budget: cfg.MemoryBudgetBytes()}),
		pipeline.WithDeviceSource(collector),
		pipeline.WithMetricsStore(store),
	)
	orch := pipeline.New(newBackends(cfg), pipeOpts...)
	manager.Register("orchestrator", shutdown.PriorityWorkers, orch.Shutdown)

	if code := startPipeline(ctx, orch, pipeline.ConfigFromCore(cfg.Pipeline), bus, logger); code != core.ExitCodeSuccess {
		manager.Shutdown()
		return code
	}

	go drainResults(orch.Results(), zl.Named("results"))
	startFeed(cfg.Source, orch, manager, zl.Named("feed"))

	if cfg.WebUI.Addr != "" {
		if err := startWebUI(cfg.WebUI, orch, store, bus, history, manager, zl.Named("webui")); err != nil {
			logger.Error("Failed to start web UI", zap.Error(err))
			manager.Shutdown()
			return core.ExitCodeError
		}
	}

	if opts.watchSignals {
		manager.Start()
		watchLifecycleSignals(ctx, bus, zl.Named("signals"))
	}
	if opts.stop != nil {
		go func() {
			select {
			case <-opts.stop:
				manager.Trigger("service stop")
			case <-ctx.Done():
			}
		}()
	}
	if opts.started != nil {
		close(opts.started)
	}

	logger.Info("Pipeline running", zap.String("status", orch.State().String()))
	manager.Wait()

	if err := manager.Shutdown(); err != nil {
		return core.ExitCodeError
	}
	return core.ExitCodeSuccess
}

// openTelemetry opens the database, starts the async recorder and the
// retention scheduler, and registers their teardown.
func openTelemetry(ctx context.Context, cfg core.TelemetryConfig, manager *shutdown.Manager, logger *zap.Logger) (*db.Repository, *db.Recorder, error) {
	database, err := db.Open(ctx, db.DefaultConfig(cfg.DBPath))
	if err != nil {
		return nil, nil, err
	}
	repo := db.NewRepository(database)
	recorder := db.NewRecorder(repo, db.DefaultAsyncWriterConfig(), logger)

	cleanup := db.DefaultCleanupSchedulerConfig()
	cleanup.RetentionDays = cfg.RetentionDays
	cleanup.Logger = logger
	cleanupDone := database.StartCleanupScheduler(ctx, cleanup)

	// Same priority runs in registration order: flush before close.
	manager.Register("telemetry-recorder", shutdown.PriorityStorage, recorder.Close)
	manager.Register("telemetry-cleanup", shutdown.PriorityStorage, func(ctx context.Context) error {
		select {
		case <-cleanupDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	manager.Register("telemetry-db", shutdown.PriorityStorage, shutdown.CloseFunc(database))

	logger.Info("Telemetry store opened",
		zap.String("path", database.Path()),
		zap.Int("retention_days", cfg.RetentionDays))
	return repo, recorder, nil
}

// newBackends returns the inference backends in fallthrough order: the
// vision API when configured, then the simulated estimator.
func newBackends(cfg *core.Config) []inference.Backend {
	var backends []inference.Backend
	if cfg.Vision.BaseURL != "" {
		rc := inference.DefaultRemoteConfig()
		rc.BaseURL = cfg.Vision.BaseURL
		rc.APIKey = cfg.Vision.APIKey
		rc.Model = cfg.Vision.Model
		backends = append(backends, inference.NewRemoteBackend(rc))
	}

	sc := inference.DefaultSimulatedConfig()
	sc.Latency = cfg.Pipeline.SimulatedLatency
	return append(backends, inference.NewSimulatedBackend(sc))
}

// startPipeline initializes and starts orch. A degraded initialization
// (some backends unavailable) is logged and the pipeline runs on the rest.
func startPipeline(ctx context.Context, orch *pipeline.Orchestrator, cfg pipeline.Config, host pipeline.LifecycleHost, logger *logging.Logger) int {
	res := orch.Initialize(ctx, cfg, host)
	switch {
	case res.IsError():
		logger.Error("Pipeline initialization failed", zap.Error(res.Err()), zap.Bool("retryable", res.Retryable()))
		return core.ExitCodeError
	case res.IsDegraded():
		logger.Warn("Pipeline initialized degraded", zap.String("reason", res.Message()), zap.Error(res.Err()))
		if len(orch.Status().ReadyBackends) == 0 {
			return core.ExitCodeError
		}
	}

	if start := orch.Start(); start.IsError() {
		logger.Error("Pipeline start failed", zap.Error(start.Err()))
		return core.ExitCodeError
	}
	return core.ExitCodeSuccess
}

// startFeed opens the configured frame source and feeds it to orch as a
// tracked operation.
func startFeed(cfg core.SourceConfig, orch *pipeline.Orchestrator, manager *shutdown.Manager, logger *zap.Logger) {
	var src vision.FrameSource
	if cfg.Dir != "" {
		dirSrc, err := vision.NewDirectorySource(cfg.Dir, cfg.Loop)
		if err != nil {
			logger.Error("Frame directory unusable, using synthetic frames", zap.String("dir", cfg.Dir), zap.Error(err))
		} else {
			logger.Info("Feeding frames from directory", zap.String("dir", cfg.Dir), zap.Int("files", dirSrc.Len()))
			src = dirSrc
		}
	}
	if src == nil {
		src = vision.NewSyntheticSource(640, 480, 0)
	}

	go func() {
		defer src.Close()
		err := manager.Track(manager.Context(), "frame-feed", func(ctx context.Context) error {
			stats, err := feedFrames(ctx, src, orch, cfg.FPS, logger)
			logger.Info("Frame feed stopped",
				zap.Int64("read", stats.Read),
				zap.Int64("queued", stats.Queued),
				zap.Int64("sync", stats.Sync),
				zap.Int64("degraded", stats.Degraded),
				zap.Int64("failed", stats.Failed),
				zap.Int64("skipped", stats.Skipped))
			return err
		})
		if err != nil && manager.Context().Err() == nil {
			logger.Error("Frame feed failed", zap.Error(err))
		}
	}()
}

// startWebUI starts the HTTP server in the background and registers its
// shutdown. A listener failure triggers application shutdown.
func startWebUI(cfg core.WebUIConfig, orch *pipeline.Orchestrator, store metrics.MetricsCollector, bus *pipeline.LifecycleBus, history webui.FrameHistory, manager *shutdown.Manager, logger *zap.Logger) error {
	var provider webui.AuthProvider
	if cfg.Password != "" {
		limiter := webui.DefaultRateLimiter()
		limiter.StartCleanupTicker(manager.Context(), 5*time.Minute)
		basic, err := auth.New(cfg.Password, limiter, logger.Named("auth"))
		if err != nil {
			return err
		}
		provider = basic
	}

	serverCfg := webui.DefaultServerConfig()
	serverCfg.Addr = cfg.Addr
	server, err := webui.NewServer(serverCfg, webui.APIDeps{
		Pipeline:  orch,
		Store:     store,
		Lifecycle: bus,
		History:   history,
	}, provider, logger)
	if err != nil {
		return err
	}

	manager.Register("webui", shutdown.PriorityIngress, server.Shutdown)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			logger.Error("WebUI server failed", zap.Error(err))
			manager.Trigger("webui failed")
		}
	}()
	return nil
}
