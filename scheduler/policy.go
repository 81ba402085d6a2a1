package scheduler

import (
	"time"
)

// Conditions are the device inputs to the quality decision. All values
// are in [0, 1]. Battery is the remaining charge, 1 when on mains power.
type Conditions struct {
	MemoryPressure float64
	Thermal        float64
	Battery        float64
}

// ConditionsFunc samples current device conditions.
type ConditionsFunc func() Conditions

// NominalConditions is a cool, unloaded device on mains power.
func NominalConditions() Conditions {
	return Conditions{Battery: 1}
}

// Policy switches the adaptive inputs on or off.
type Policy struct {
	// AdaptiveQuality lets memory pressure pick the quality tier.
	AdaptiveQuality bool
	// ThermalThrottling lets device temperature lower tier and frame rate.
	ThermalThrottling bool
	// BatteryOptimization lets low battery lower tier and frame rate.
	BatteryOptimization bool
}

// Config holds scheduler tunables.
type Config struct {
	// QueueCapacity bounds the request queue. Default 3.
	QueueCapacity int
	// ResultBuffer bounds the Results channel. Results are dropped when
	// nobody drains it.
	ResultBuffer int

	BaseFPS float64
	MinFPS  float64
	MaxFPS  float64

	// BaseResolution is the High tier input size.
	BaseResolution int

	HighPressure     float64
	MediumPressure   float64
	CriticalPressure float64
	ThermalThreshold float64
	LowBattery       float64

	// PausePoll bounds how long a paused loop sleeps between flag checks.
	PausePoll time.Duration
	// InferTimeout bounds one inference call. Zero means no timeout.
	InferTimeout time.Duration

	Policy Policy
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:    3,
		ResultBuffer:     16,
		BaseFPS:          30,
		MinFPS:           10,
		MaxFPS:           60,
		BaseResolution:   256,
		HighPressure:     0.8,
		MediumPressure:   0.6,
		CriticalPressure: 0.9,
		ThermalThreshold: 0.8,
		LowBattery:       0.15,
		PausePoll:        100 * time.Millisecond,
		InferTimeout:     5 * time.Second,
		Policy: Policy{
			AdaptiveQuality:     true,
			ThermalThrottling:   true,
			BatteryOptimization: true,
		},
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = def.ResultBuffer
	}
	if c.BaseFPS <= 0 {
		c.BaseFPS = def.BaseFPS
	}
	if c.MinFPS <= 0 {
		c.MinFPS = def.MinFPS
	}
	if c.MaxFPS < c.MinFPS {
		c.MaxFPS = max(def.MaxFPS, c.MinFPS)
	}
	if c.BaseResolution <= 0 {
		c.BaseResolution = def.BaseResolution
	}
	if c.HighPressure <= 0 {
		c.HighPressure = def.HighPressure
	}
	if c.MediumPressure <= 0 {
		c.MediumPressure = def.MediumPressure
	}
	if c.CriticalPressure <= 0 {
		c.CriticalPressure = def.CriticalPressure
	}
	if c.ThermalThreshold <= 0 {
		c.ThermalThreshold = def.ThermalThreshold
	}
	if c.LowBattery <= 0 {
		c.LowBattery = def.LowBattery
	}
	if c.PausePoll <= 0 {
		c.PausePoll = def.PausePoll
	}
	return c
}

// Decision is the outcome of the quality decision table.
type Decision struct {
	Tier      QualityTier
	TargetFPS float64
}

// Interval is the minimum time between two frames at TargetFPS.
func (d Decision) Interval() time.Duration {
	if d.TargetFPS <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / d.TargetFPS)
}

// Decide maps conditions to a quality tier and target frame rate.
//
//	pressure > HighPressure   or thermal > ThermalThreshold -> Low    x0.5
//	pressure > MediumPressure or battery < LowBattery       -> Medium x0.7
//	otherwise                                               -> High   x1.0
//
// Thermal above the threshold halves the rate again, low battery scales
// it by 0.6 and pressure at or above CriticalPressure pins it to MinFPS.
// The result is clamped to [MinFPS, MaxFPS]. Inputs switched off in the
// policy read as nominal.
func Decide(c Conditions, cfg Config) Decision {
	cfg = cfg.withDefaults()

	pressure := clampUnit(c.MemoryPressure)
	thermal := 0.0
	if cfg.Policy.ThermalThrottling {
		thermal = clampUnit(c.Thermal)
	}
	battery := 1.0
	if cfg.Policy.BatteryOptimization {
		battery = clampUnit(c.Battery)
	}

	tierPressure := pressure
	if !cfg.Policy.AdaptiveQuality {
		tierPressure = 0
	}

	hot := thermal > cfg.ThermalThreshold
	lowBattery := battery < cfg.LowBattery

	var d Decision
	switch {
	case tierPressure > cfg.HighPressure || hot:
		d = Decision{Tier: TierLow, TargetFPS: cfg.BaseFPS * 0.5}
	case tierPressure > cfg.MediumPressure || lowBattery:
		d = Decision{Tier: TierMedium, TargetFPS: cfg.BaseFPS * 0.7}
	default:
		d = Decision{Tier: TierHigh, TargetFPS: cfg.BaseFPS}
	}

	if hot {
		d.TargetFPS *= 0.5
	}
	if lowBattery {
		d.TargetFPS *= 0.6
	}
	if pressure >= cfg.CriticalPressure {
		d.TargetFPS = cfg.MinFPS
	}

	d.TargetFPS = min(max(d.TargetFPS, cfg.MinFPS), cfg.MaxFPS)
	return d
}

func clampUnit(v float64) float64 {
	return min(max(v, 0), 1)
}
