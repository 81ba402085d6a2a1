package pipeline

import (
	"time"

	"mlpipeline/core"
	"mlpipeline/scheduler"
)

// Config holds the orchestrator feature flags and tunables.
type Config struct {
	AdaptiveQuality      bool
	ThermalThrottling    bool
	BatteryOptimization  bool
	BackgroundProcessing bool

	// MaxMemoryPressure is the pressure ratio above which ProcessFrame
	// takes the degraded path.
	MaxMemoryPressure float64

	TargetFPS        int
	TargetResolution int
	QueueCapacity    int
	PoolSize         int

	MetricsInterval      time.Duration
	MetricsErrorInterval time.Duration

	// PressureCooldown is how long the scheduler stays paused after an
	// exhaustion report.
	PressureCooldown time.Duration

	InferTimeout time.Duration

	// TeardownTimeout bounds rollback and Destroyed teardown.
	TeardownTimeout time.Duration
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		AdaptiveQuality:      true,
		ThermalThrottling:    true,
		BatteryOptimization:  true,
		BackgroundProcessing: true,
		MaxMemoryPressure:    0.8,
		TargetFPS:            30,
		TargetResolution:     256,
		QueueCapacity:        3,
		PoolSize:             10,
		MetricsInterval:      5 * time.Second,
		MetricsErrorInterval: 10 * time.Second,
		PressureCooldown:     time.Second,
		InferTimeout:         5 * time.Second,
		TeardownTimeout:      10 * time.Second,
	}
}

// ConfigFromCore maps the loaded application configuration onto Config.
func ConfigFromCore(p core.PipelineConfig) Config {
	cfg := DefaultConfig()
	cfg.AdaptiveQuality = p.AdaptiveQuality
	cfg.ThermalThrottling = p.ThermalThrottling
	cfg.BatteryOptimization = p.BatteryOptimization
	cfg.BackgroundProcessing = p.BackgroundProcessing
	cfg.MaxMemoryPressure = p.MaxMemoryPressure
	cfg.TargetFPS = p.TargetFPS
	cfg.TargetResolution = p.TargetResolution
	cfg.QueueCapacity = p.QueueCapacity
	cfg.PoolSize = p.PoolSize
	cfg.MetricsInterval = p.MetricsInterval
	return cfg
}

// withDefaults fills zero numeric fields. Boolean flags are taken as given.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxMemoryPressure <= 0 {
		c.MaxMemoryPressure = def.MaxMemoryPressure
	}
	if c.TargetFPS <= 0 {
		c.TargetFPS = def.TargetFPS
	}
	if c.TargetResolution <= 0 {
		c.TargetResolution = def.TargetResolution
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	if c.MetricsErrorInterval <= 0 {
		c.MetricsErrorInterval = 2 * c.MetricsInterval
	}
	if c.PressureCooldown <= 0 {
		c.PressureCooldown = def.PressureCooldown
	}
	if c.InferTimeout < 0 {
		c.InferTimeout = 0
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = def.TeardownTimeout
	}
	return c
}

func (c Config) schedulerConfig() scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.QueueCapacity = c.QueueCapacity
	sc.BaseFPS = float64(c.TargetFPS)
	sc.MinFPS = min(sc.MinFPS, sc.BaseFPS)
	sc.MaxFPS = max(sc.MaxFPS, sc.BaseFPS)
	sc.BaseResolution = c.TargetResolution
	sc.InferTimeout = c.InferTimeout
	sc.Policy = scheduler.Policy{
		AdaptiveQuality:     c.AdaptiveQuality,
		ThermalThrottling:   c.ThermalThrottling,
		BatteryOptimization: c.BatteryOptimization,
	}
	return sc
}
