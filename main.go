package main

import (
	"context"
	"fmt"
	"os"

	"mlpipeline/core"
	"mlpipeline/core/validation"
	"mlpipeline/logging"

	"github.com/joho/godotenv"
	"github.com/kardianos/service"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	if HandleServiceCommand(os.Args) {
		return
	}

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Use fmt here since logger isn't initialized yet
		fmt.Printf("Note: .env file not loaded: %v\n", err)
	}

	cfg, cfgErr := core.LoadConfig()
	if cfg == nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", cfgErr)
		os.Exit(core.ExitCodeConfig)
	}

	logger, err := logging.NewLogger(logging.Options{
		Development: cfg.DevMode,
		Level:       cfg.LogLevel,
		FilePath:    cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(core.ExitCodeError)
	}

	interactive := service.Interactive()
	if code := runStartupValidation(logger, cfg, cfgErr, interactive); code != core.ExitCodeSuccess {
		logger.Sync()
		os.Exit(code)
	}

	logger.Info("Configuration loaded",
		zap.String("version", core.VersionInfo()),
		zap.String("config_file", cfg.ConfigFile),
		zap.Int("target_fps", cfg.Pipeline.TargetFPS),
		zap.Int("target_resolution", cfg.Pipeline.TargetResolution),
		zap.Float64("max_memory_pressure", cfg.Pipeline.MaxMemoryPressure),
		zap.Bool("background_processing", cfg.Pipeline.BackgroundProcessing),
		zap.String("telemetry_db", cfg.Telemetry.DBPath),
		zap.String("webui_addr", cfg.WebUI.Addr),
		zap.Bool("vision_backend", cfg.Vision.BaseURL != ""),
		zap.Bool("dev_mode", cfg.DevMode),
	)

	if !interactive {
		if err := RunAsService(cfg, logger); err != nil {
			logger.Error("Service run failed", zap.Error(err))
			logger.Sync()
			os.Exit(core.ExitCodeError)
		}
		return
	}

	os.Exit(run(cfg, logger, runOptions{watchSignals: true}))
}

// runStartupValidation logs every configuration error and runs the
// validation suite. The colored report is only printed when attached to a
// terminal.
//
// Returns the appropriate exit code:
//   - ExitCodeSuccess (0) if all validations pass
//   - ExitCodeConfig (2) if any validation fails
func runStartupValidation(logger *logging.Logger, cfg *core.Config, cfgErr error, interactive bool) int {
	for _, err := range multierr.Errors(cfgErr) {
		fields := []zap.Field{zap.Error(err)}
		if ce, ok := core.IsConfigError(err); ok {
			fields = append(fields, zap.String("code", ce.Code), zap.String("action", ce.Action))
		}
		logger.Error("Invalid configuration", fields...)
	}

	result := validation.NewValidationSuite(cfg).
		WithShowProgress(interactive).
		Validate(context.Background())

	if !result.Success {
		for _, step := range result.Steps {
			if step.Status == validation.StepFailed {
				logger.Error("Validation step failed",
					zap.String("step", step.Name),
					zap.String("message", step.Message),
					zap.Error(step.Error),
				)
			}
		}
		return core.ExitCodeConfig
	}

	logger.Info("Startup validation passed",
		zap.Int("checks_passed", result.PassedSteps),
		zap.Int("warnings", result.Warnings),
		zap.Duration("duration", result.Duration),
	)
	return core.ExitCodeSuccess
}
