package mlruntime

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
)

const bytesPerMB = 1024 * 1024

// PressureSample is a point-in-time memory reading. It is derived on
// demand and never persisted.
type PressureSample struct {
	UsedBytes uint64  `json:"used_bytes"`
	MaxBytes  uint64  `json:"max_bytes"`
	Ratio     float64 `json:"ratio"`
}

// UsedMB returns the used memory in megabytes.
func (s PressureSample) UsedMB() float64 { return float64(s.UsedBytes) / bytesPerMB }

// MaxMB returns the memory ceiling in megabytes.
func (s PressureSample) MaxMB() float64 { return float64(s.MaxBytes) / bytesPerMB }

// MemoryReader reports process memory usage.
// This abstraction allows simulated pressure during testing.
type MemoryReader interface {
	ReadMemory() (used, max uint64, err error)
}

// RuntimeMemoryReader reads the Go runtime's memory statistics.
//
// The ceiling is resolved in order: the soft memory limit set via
// GOMEMLIMIT or debug.SetMemoryLimit, then Budget, then the memory the
// runtime has obtained from the OS.
type RuntimeMemoryReader struct {
	// Budget is the memory ceiling in bytes when no soft limit is set.
	Budget uint64
}

// ReadMemory implements MemoryReader.
func (r RuntimeMemoryReader) ReadMemory() (uint64, uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	used := ms.HeapAlloc + ms.StackInuse

	var max uint64
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		max = uint64(limit)
	} else if r.Budget > 0 {
		max = r.Budget
	} else {
		max = ms.Sys
	}
	return used, max, nil
}

// StaticMemoryReader returns fixed values. Safe for concurrent use.
type StaticMemoryReader struct {
	mu   sync.Mutex
	used uint64
	max  uint64
	err  error
}

// NewStaticMemoryReader creates a reader reporting used/max.
func NewStaticMemoryReader(used, max uint64) *StaticMemoryReader {
	return &StaticMemoryReader{used: used, max: max}
}

// NewRatioReader creates a reader whose samples have the given ratio
// against a 1 GiB ceiling.
func NewRatioReader(ratio float64) *StaticMemoryReader {
	r := &StaticMemoryReader{}
	r.SetRatio(ratio)
	return r
}

// SetRatio changes the simulated pressure ratio.
func (r *StaticMemoryReader) SetRatio(ratio float64) {
	const ceiling = 1 << 30
	r.mu.Lock()
	defer r.mu.Unlock()
	r.max = ceiling
	r.used = uint64(ratio * ceiling)
}

// SetError makes subsequent reads fail.
func (r *StaticMemoryReader) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// ReadMemory implements MemoryReader.
func (r *StaticMemoryReader) ReadMemory() (uint64, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used, r.max, r.err
}

// PressureMonitor turns MemoryReader readings into PressureSamples. It
// keeps no state between samples.
type PressureMonitor struct {
	reader MemoryReader
}

// NewPressureMonitor creates a monitor over reader. A nil reader uses the
// Go runtime statistics without a budget.
func NewPressureMonitor(reader MemoryReader) *PressureMonitor {
	if reader == nil {
		reader = RuntimeMemoryReader{}
	}
	return &PressureMonitor{reader: reader}
}

// Sample reads memory and computes used/max clamped to [0, 1]. A failed
// read produces the zero sample; callers detect it by MaxBytes == 0.
func (m *PressureMonitor) Sample() PressureSample {
	used, max, err := m.reader.ReadMemory()
	if err != nil || max == 0 {
		return PressureSample{}
	}

	ratio := float64(used) / float64(max)
	if ratio > 1 {
		ratio = 1
	}
	return PressureSample{UsedBytes: used, MaxBytes: max, Ratio: ratio}
}
