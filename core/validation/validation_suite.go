// Package validation runs the startup checks and prints them as a
// colored checklist.
package validation

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"mlpipeline/core"
)

// MinTelemetryFreeBytes is the free disk space required next to the
// telemetry database.
const MinTelemetryFreeBytes uint64 = 64 << 20

// ValidationStep represents a single validation step with its status.
type ValidationStep struct {
	Name    string
	Status  StepStatus
	Message string
	Error   error
	Latency time.Duration
}

// StepStatus represents the status of a validation step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepPassed
	StepFailed
	StepWarning
	StepSkipped
)

// String returns the string representation of a step status.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepPassed:
		return "passed"
	case StepFailed:
		return "failed"
	case StepWarning:
		return "warning"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SuiteResult represents the complete result of validation suite execution.
type SuiteResult struct {
	Steps       []ValidationStep
	PassedSteps int
	FailedSteps int
	Warnings    int
	Duration    time.Duration
	Success     bool
}

// ValidationSuite is the startup validation organism. It checks a loaded
// core.Config against the machine it is about to run on: configuration
// ranges, the frame source, telemetry storage, the vision endpoint and
// the web UI exposure.
//
// Usage:
//
//	result := validation.NewValidationSuite(cfg).Validate(ctx)
//	if !result.Success {
//	    os.Exit(core.ExitCodeConfig)
//	}
type ValidationSuite struct {
	cfg           *core.Config
	output        io.Writer
	connectivity  *ConnectivityChecker
	envPath       string
	showProgress  bool
	failFast      bool
	networkChecks bool
}

// NewValidationSuite creates a suite printing to stdout with network
// checks enabled.
func NewValidationSuite(cfg *core.Config) *ValidationSuite {
	return &ValidationSuite{
		cfg:           cfg,
		output:        os.Stdout,
		connectivity:  NewConnectivityChecker(),
		envPath:       ".env",
		showProgress:  true,
		networkChecks: true,
	}
}

// WithOutput sets the output writer for progress messages.
func (s *ValidationSuite) WithOutput(w io.Writer) *ValidationSuite {
	s.output = w
	return s
}

// WithShowProgress enables or disables progress output.
func (s *ValidationSuite) WithShowProgress(show bool) *ValidationSuite {
	s.showProgress = show
	return s
}

// WithFailFast stops validation on the first failure.
func (s *ValidationSuite) WithFailFast(failFast bool) *ValidationSuite {
	s.failFast = failFast
	return s
}

// WithNetworkChecks enables or disables probing the vision endpoint.
func (s *ValidationSuite) WithNetworkChecks(enabled bool) *ValidationSuite {
	s.networkChecks = enabled
	return s
}

// WithEnvPath sets a custom path for the .env file.
func (s *ValidationSuite) WithEnvPath(path string) *ValidationSuite {
	s.envPath = path
	return s
}

// WithConnectivityChecker replaces the endpoint prober.
func (s *ValidationSuite) WithConnectivityChecker(c *ConnectivityChecker) *ValidationSuite {
	s.connectivity = c
	return s
}

type check struct {
	name string
	fn   func(ctx context.Context) ValidationStep
}

// Validate runs every check in order and prints the checklist.
func (s *ValidationSuite) Validate(ctx context.Context) SuiteResult {
	start := time.Now()
	if s.showProgress {
		s.printHeader("Pipeline Configuration Check")
	}

	checks := []check{
		{"Environment File", s.checkEnvFile},
		{"Configuration Values", s.checkValues},
		{"Memory Budget", s.checkMemory},
		{"Frame Source", s.checkSource},
		{"Telemetry Storage", s.checkTelemetry},
		{"Vision Backend", s.checkVision},
		{"Web UI", s.checkWebUI},
	}

	steps := make([]ValidationStep, 0, len(checks))
	for _, c := range checks {
		stepStart := time.Now()
		step := c.fn(ctx)
		step.Name = c.name
		if step.Latency == 0 {
			step.Latency = time.Since(stepStart)
		}
		steps = append(steps, step)

		if s.showProgress {
			s.printStep(step)
		}
		if s.failFast && step.Status == StepFailed {
			break
		}
	}

	result := buildResult(steps, start)
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

func (s *ValidationSuite) checkEnvFile(context.Context) ValidationStep {
	if err := CheckFileExists(s.envPath); err != nil {
		return ValidationStep{
			Status:  StepWarning,
			Message: "No .env file, using process environment only",
			Error:   core.ErrEnvFileMissing(s.envPath),
		}
	}
	msg := "Environment file found"
	if s.cfg.ConfigFile != "" {
		msg = fmt.Sprintf("%s, overlay %s", msg, s.cfg.ConfigFile)
	}
	return ValidationStep{Status: StepPassed, Message: msg}
}

func (s *ValidationSuite) checkValues(context.Context) ValidationStep {
	if err := s.cfg.Validate(); err != nil {
		return ValidationStep{Status: StepFailed, Message: "Invalid settings", Error: err}
	}
	p := s.cfg.Pipeline
	return ValidationStep{
		Status: StepPassed,
		Message: fmt.Sprintf("%d fps at %dpx, queue %d, max pressure %.2f",
			p.TargetFPS, p.TargetResolution, p.QueueCapacity, p.MaxMemoryPressure),
	}
}

func (s *ValidationSuite) checkMemory(context.Context) ValidationStep {
	if budget := s.cfg.MemoryBudgetBytes(); budget > 0 {
		return ValidationStep{Status: StepPassed, Message: "Budget " + formatBytes(budget)}
	}
	return ValidationStep{
		Status:  StepWarning,
		Message: "No MEMORY_BUDGET_MB, pressure is measured against GOMEMLIMIT or runtime-obtained memory",
	}
}

func (s *ValidationSuite) checkSource(context.Context) ValidationStep {
	dir := s.cfg.Source.Dir
	if dir == "" {
		return ValidationStep{Status: StepPassed, Message: "Synthetic frames"}
	}
	if err := CheckDirExists(dir); err != nil {
		return ValidationStep{Status: StepFailed, Message: "Frame directory unusable", Error: core.ErrSourceMissing(dir, err.Error())}
	}
	return ValidationStep{Status: StepPassed, Message: "Reading frames from " + dir}
}

func (s *ValidationSuite) checkTelemetry(context.Context) ValidationStep {
	path := s.cfg.Telemetry.DBPath
	if path == "" {
		return ValidationStep{Status: StepSkipped, Message: "Telemetry disabled"}
	}
	if err := CheckDiskSpace(path, MinTelemetryFreeBytes); err != nil {
		return ValidationStep{Status: StepFailed, Message: "Telemetry storage unavailable", Error: err}
	}
	return ValidationStep{
		Status:  StepPassed,
		Message: fmt.Sprintf("%s, retention %d days", path, s.cfg.Telemetry.RetentionDays),
	}
}

func (s *ValidationSuite) checkVision(ctx context.Context) ValidationStep {
	v := s.cfg.Vision
	if v.BaseURL == "" {
		return ValidationStep{Status: StepSkipped, Message: "Simulated backend only"}
	}
	if !s.networkChecks {
		return ValidationStep{Status: StepPassed, Message: fmt.Sprintf("%s (%s), not probed", v.BaseURL, v.Model)}
	}

	res := s.connectivity.CheckEndpoint(ctx, v.BaseURL, v.APIKey)
	if !res.Reachable {
		// The simulated backend still runs, so an unreachable endpoint
		// degrades the pipeline rather than failing startup.
		return ValidationStep{Status: StepWarning, Message: res.Message, Error: res.Error, Latency: res.Latency}
	}
	return ValidationStep{
		Status:  StepPassed,
		Message: fmt.Sprintf("%s (latency: %v)", res.Message, res.Latency.Round(time.Millisecond)),
		Latency: res.Latency,
	}
}

func (s *ValidationSuite) checkWebUI(context.Context) ValidationStep {
	w := s.cfg.WebUI
	switch {
	case w.Addr == "":
		return ValidationStep{Status: StepSkipped, Message: "Web UI disabled"}
	case w.Password == "":
		return ValidationStep{Status: StepWarning, Message: "Listening on " + w.Addr + " without WEBUI_PASSWORD"}
	default:
		return ValidationStep{Status: StepPassed, Message: "Listening on " + w.Addr + " with password"}
	}
}

func buildResult(steps []ValidationStep, start time.Time) SuiteResult {
	result := SuiteResult{Steps: steps, Duration: time.Since(start), Success: true}
	for _, step := range steps {
		switch step.Status {
		case StepPassed:
			result.PassedSteps++
		case StepFailed:
			result.FailedSteps++
			result.Success = false
		case StepWarning:
			result.Warnings++
		}
	}
	return result
}

func (s *ValidationSuite) printHeader(title string) {
	fmt.Fprintln(s.output)
	color.New(color.FgCyan, color.Bold).Fprintf(s.output, "━━━ %s ━━━\n", title)
	fmt.Fprintln(s.output)
}

func (s *ValidationSuite) printStep(step ValidationStep) {
	var (
		icon string
		clr  *color.Color
	)
	switch step.Status {
	case StepPassed:
		icon, clr = "✓", color.New(color.FgGreen)
	case StepFailed:
		icon, clr = "✗", color.New(color.FgRed)
	case StepWarning:
		icon, clr = "!", color.New(color.FgYellow)
	case StepSkipped:
		icon, clr = "○", color.New(color.FgHiBlack)
	default:
		icon, clr = "?", color.New(color.FgWhite)
	}

	clr.Fprintf(s.output, "  %s %s", icon, step.Name)
	if step.Message != "" {
		color.New(color.FgHiBlack).Fprintf(s.output, " - %s", step.Message)
	}
	fmt.Fprintln(s.output)

	if step.Error != nil && (step.Status == StepFailed || step.Status == StepWarning) {
		clr.Fprintf(s.output, "    └─ %s\n", step.Error.Error())
	}
}

func (s *ValidationSuite) printSummary(result SuiteResult) {
	fmt.Fprintln(s.output)
	if result.Success {
		color.New(color.FgGreen, color.Bold).Fprintf(s.output, "  All checks passed")
	} else {
		color.New(color.FgRed, color.Bold).Fprintf(s.output, "  %d check(s) failed", result.FailedSteps)
	}
	if result.Warnings > 0 {
		color.New(color.FgYellow).Fprintf(s.output, " (%d warning(s))", result.Warnings)
	}
	fmt.Fprintf(s.output, " in %v\n\n", result.Duration.Round(time.Millisecond))
}
