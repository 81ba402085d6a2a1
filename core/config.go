package core

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// PipelineConfig holds orchestrator, scheduler and pool tunables.
type PipelineConfig struct {
	AdaptiveQuality      bool          `yaml:"adaptive_quality"`
	ThermalThrottling    bool          `yaml:"thermal_throttling"`
	BatteryOptimization  bool          `yaml:"battery_optimization"`
	BackgroundProcessing bool          `yaml:"background_processing"`
	MaxMemoryPressure    float64       `yaml:"max_memory_pressure"`
	MemoryBudgetMB       int           `yaml:"memory_budget_mb"` // 0 = runtime soft limit or OS-obtained memory
	TargetFPS            int           `yaml:"target_fps"`
	TargetResolution     int           `yaml:"target_resolution"`
	QueueCapacity        int           `yaml:"queue_capacity"`
	PoolSize             int           `yaml:"pool_size"`
	MetricsInterval      time.Duration `yaml:"metrics_interval"`
	DevicePollInterval   time.Duration `yaml:"device_poll_interval"`
	SimulatedLatency     time.Duration `yaml:"simulated_latency"`
}

// TelemetryConfig configures the sqlite telemetry store. An empty DBPath
// disables it.
type TelemetryConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// WebUIConfig configures the status/metrics HTTP server. An empty Addr
// disables it; an empty Password disables authentication.
type WebUIConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
}

// VisionConfig configures the OpenAI-compatible vision backend. An empty
// BaseURL disables it.
type VisionConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"-"`
	Model   string `yaml:"model"`
}

// SourceConfig selects the upstream frame source. An empty Dir uses the
// synthetic source.
type SourceConfig struct {
	Dir  string `yaml:"dir"`
	FPS  int    `yaml:"fps"`
	Loop bool   `yaml:"loop"`
}

// Config holds all configuration values.
//
// Values are resolved in three layers: DefaultConfig, then the YAML file
// named by PIPELINE_CONFIG_FILE, then environment variables. Secrets
// (API key, web password) are only read from the environment.
type Config struct {
	DevMode    bool   `yaml:"dev_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`
	ConfigFile string `yaml:"-"`

	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	WebUI     WebUIConfig     `yaml:"webui"`
	Vision    VisionConfig    `yaml:"vision"`
	Source    SourceConfig    `yaml:"source"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogFile:  "app.log",
		Pipeline: PipelineConfig{
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
			DevicePollInterval:   5 * time.Second,
			SimulatedLatency:     15 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			DBPath:        "data/telemetry.db",
			RetentionDays: 7,
		},
		WebUI: WebUIConfig{
			Addr: ":3000",
		},
		Vision: VisionConfig{
			Model: "gpt-4o-mini",
		},
		Source: SourceConfig{
			FPS:  15,
			Loop: true,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML
// overlay and the environment, then validates it. The returned error
// combines every ConfigError found.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	cfg.ConfigFile = strings.TrimSpace(os.Getenv("PIPELINE_CONFIG_FILE"))
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrConfigFile(path, err.Error())
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return ErrConfigFile(path, err.Error())
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DevMode = ParseBoolEnv("DEV_MODE", c.DevMode)
	c.LogLevel = GetEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFile = GetEnvOrDefault("LOG_FILE", c.LogFile)

	p := &c.Pipeline
	p.AdaptiveQuality = ParseBoolEnv("ADAPTIVE_QUALITY", p.AdaptiveQuality)
	p.ThermalThrottling = ParseBoolEnv("THERMAL_THROTTLING", p.ThermalThrottling)
	p.BatteryOptimization = ParseBoolEnv("BATTERY_OPTIMIZATION", p.BatteryOptimization)
	p.BackgroundProcessing = ParseBoolEnv("BACKGROUND_PROCESSING", p.BackgroundProcessing)
	p.MaxMemoryPressure = ParseFloat64Env("MAX_MEMORY_PRESSURE", p.MaxMemoryPressure)
	p.MemoryBudgetMB = ParseIntEnv("MEMORY_BUDGET_MB", p.MemoryBudgetMB)
	p.TargetFPS = ParseIntEnv("TARGET_FPS", p.TargetFPS)
	p.TargetResolution = ParseIntEnv("TARGET_RESOLUTION", p.TargetResolution)
	p.QueueCapacity = ParseIntEnv("QUEUE_CAPACITY", p.QueueCapacity)
	p.PoolSize = ParseIntEnv("POOL_SIZE", p.PoolSize)
	p.MetricsInterval = ParseDurationEnv("METRICS_INTERVAL", time.Second, p.MetricsInterval)
	p.DevicePollInterval = ParseDurationEnv("DEVICE_POLL_INTERVAL", time.Second, p.DevicePollInterval)
	p.SimulatedLatency = ParseDurationEnv("SIMULATED_LATENCY_MS", time.Millisecond, p.SimulatedLatency)

	c.Telemetry.DBPath = envString("TELEMETRY_DB_PATH", c.Telemetry.DBPath)
	c.Telemetry.RetentionDays = ParseIntEnv("TELEMETRY_RETENTION_DAYS", c.Telemetry.RetentionDays)

	c.WebUI.Addr = envString("WEBUI_ADDR", c.WebUI.Addr)
	c.WebUI.Password = os.Getenv("WEBUI_PASSWORD")

	c.Vision.BaseURL = GetEnvOrDefault("VISION_API_BASE_URL", c.Vision.BaseURL)
	c.Vision.APIKey = os.Getenv("VISION_API_KEY")
	c.Vision.Model = GetEnvOrDefault("VISION_MODEL", c.Vision.Model)

	c.Source.Dir = GetEnvOrDefault("FRAME_SOURCE_DIR", c.Source.Dir)
	c.Source.FPS = ParseIntEnv("FRAME_SOURCE_FPS", c.Source.FPS)
	c.Source.Loop = ParseBoolEnv("FRAME_SOURCE_LOOP", c.Source.Loop)
}

// envString is GetEnvOrDefault, except that a variable set to the empty
// string clears the value. It is used for optional components that are
// disabled by an empty setting.
func envString(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// Validate checks ranges and cross-field constraints. It returns every
// problem found, combined.
func (c *Config) Validate() error {
	var err error
	p := c.Pipeline

	if p.MaxMemoryPressure <= 0 || p.MaxMemoryPressure > 1 {
		err = multierr.Append(err, ErrOutOfRange("MAX_MEMORY_PRESSURE", p.MaxMemoryPressure, "0 (exclusive)", 1))
	}
	if p.MemoryBudgetMB < 0 {
		err = multierr.Append(err, ErrOutOfRange("MEMORY_BUDGET_MB", p.MemoryBudgetMB, 0, "unbounded"))
	}
	if p.TargetFPS < 1 || p.TargetFPS > 120 {
		err = multierr.Append(err, ErrOutOfRange("TARGET_FPS", p.TargetFPS, 1, 120))
	}
	if p.TargetResolution < 32 || p.TargetResolution > 4096 {
		err = multierr.Append(err, ErrOutOfRange("TARGET_RESOLUTION", p.TargetResolution, 32, 4096))
	}
	if p.QueueCapacity < 1 || p.QueueCapacity > 64 {
		err = multierr.Append(err, ErrOutOfRange("QUEUE_CAPACITY", p.QueueCapacity, 1, 64))
	}
	if p.PoolSize < 1 {
		err = multierr.Append(err, ErrOutOfRange("POOL_SIZE", p.PoolSize, 1, 15))
	}
	if p.MetricsInterval < time.Second {
		err = multierr.Append(err, ErrOutOfRange("METRICS_INTERVAL", p.MetricsInterval, time.Second, "unbounded"))
	}
	if c.Telemetry.DBPath != "" && c.Telemetry.RetentionDays < 1 {
		err = multierr.Append(err, ErrOutOfRange("TELEMETRY_RETENTION_DAYS", c.Telemetry.RetentionDays, 1, "unbounded"))
	}
	if c.Source.FPS < 1 || c.Source.FPS > 120 {
		err = multierr.Append(err, ErrOutOfRange("FRAME_SOURCE_FPS", c.Source.FPS, 1, 120))
	}
	if c.Vision.BaseURL != "" {
		if urlErr := ValidateBaseURL(c.Vision.BaseURL); urlErr != nil {
			err = multierr.Append(err, ErrInvalidURL("VISION_API_BASE_URL", c.Vision.BaseURL, urlErr.Error()))
		}
		if strings.TrimSpace(c.Vision.Model) == "" {
			err = multierr.Append(err, ErrMissingConfig("VISION_MODEL"))
		}
	}
	return err
}

// ValidateBaseURL checks that raw is an absolute http(s) URL with a host.
func ValidateBaseURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must include a host")
	}
	return nil
}

// MemoryBudgetBytes returns the configured budget in bytes, 0 if unset.
func (c *Config) MemoryBudgetBytes() uint64 {
	if c.Pipeline.MemoryBudgetMB <= 0 {
		return 0
	}
	return uint64(c.Pipeline.MemoryBudgetMB) << 20
}
