package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FrameEvent is the per-frame record attached to pipeline log entries.
// Status is one of success, error or degraded.
type FrameEvent struct {
	ID       string
	Path     string
	Status   string
	Tier     string
	Backend  string
	Latency  time.Duration
	ErrorMsg string
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (e FrameEvent) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", e.ID)
	if e.Path != "" {
		enc.AddString("path", e.Path)
	}
	enc.AddString("status", e.Status)
	if e.Tier != "" {
		enc.AddString("tier", e.Tier)
	}
	if e.Backend != "" {
		enc.AddString("backend", e.Backend)
	}
	enc.AddInt64("latency_ms", e.Latency.Milliseconds())
	if e.ErrorMsg != "" {
		enc.AddString("error", RedactSensitiveData(e.ErrorMsg))
	}
	return nil
}

// PressureEvent describes a memory pressure sample and the pool it acted on.
type PressureEvent struct {
	Ratio     float64
	Threshold float64
	UsedBytes uint64
	MaxBytes  uint64
	PoolSize  int
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (e PressureEvent) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddFloat64("ratio", e.Ratio)
	if e.Threshold > 0 {
		enc.AddFloat64("threshold", e.Threshold)
	}
	enc.AddUint64("used_bytes", e.UsedBytes)
	enc.AddUint64("max_bytes", e.MaxBytes)
	enc.AddInt("pool_size", e.PoolSize)
	return nil
}

// Frame wraps a FrameEvent as a nested "frame" field.
//
// Example:
//
//	logger.Debug("frame processed", logging.Frame(logging.FrameEvent{ID: id, Status: "success", Latency: d}))
func Frame(e FrameEvent) zap.Field {
	return zap.Object("frame", e)
}

// Pressure wraps a PressureEvent as a nested "pressure" field.
func Pressure(e PressureEvent) zap.Field {
	return zap.Object("pressure", e)
}
