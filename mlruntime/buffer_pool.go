package mlruntime

import (
	"image"
	"runtime/debug"
	"sync"

	"mlpipeline/mlresult"

	"go.uber.org/zap"
)

// Pool sizing and pressure thresholds.
const (
	// DefaultPoolSize is the initial maxPoolSize.
	DefaultPoolSize = 8

	// MinPoolSize is the floor of maxPoolSize.
	MinPoolSize = 2

	// MaxPoolCap is the ceiling of maxPoolSize. It keeps the linear scan
	// in Acquire short.
	MaxPoolCap = 15

	// HighPressureThreshold shrinks the pool when exceeded.
	HighPressureThreshold = 0.75

	// LowPressureThreshold grows the pool when undercut.
	LowPressureThreshold = 0.5

	// AllocationCeiling refuses fresh allocations at or above this ratio.
	AllocationCeiling = 0.9

	// MaxBufferBytes bounds a single buffer allocation.
	MaxBufferBytes = 64 * bytesPerMB
)

// PixelFormat identifies the memory layout of a PooledBuffer.
type PixelFormat int

const (
	FormatRGBA8888 PixelFormat = iota
	FormatRGB565
	FormatGray8
)

// BytesPerPixel returns the storage size of one pixel, 0 for unknown
// formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatRGBA8888:
		return 4
	case FormatRGB565:
		return 2
	case FormatGray8:
		return 1
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA8888:
		return "rgba8888"
	case FormatRGB565:
		return "rgb565"
	case FormatGray8:
		return "gray8"
	default:
		return "unknown"
	}
}

// PooledBuffer is a reusable pixel buffer. Ownership moves between the
// pool and the caller on Acquire and Release.
type PooledBuffer struct {
	Width  int
	Height int
	Format PixelFormat
	Pix    []byte

	recycled bool
}

// Recycled reports whether the buffer has been freed and must not be used.
func (b *PooledBuffer) Recycled() bool { return b.recycled }

func (b *PooledBuffer) free() {
	b.recycled = true
	b.Pix = nil
}

func (b *PooledBuffer) matches(w, h int, f PixelFormat) bool {
	return !b.recycled && b.Width == w && b.Height == h && b.Format == f
}

// RGBA returns an *image.RGBA view over the buffer memory, or nil when the
// buffer is not RGBA8888. The view is only valid until the buffer is
// released.
func (b *PooledBuffer) RGBA() *image.RGBA {
	if b.recycled || b.Format != FormatRGBA8888 {
		return nil
	}
	return &image.RGBA{
		Pix:    b.Pix,
		Stride: b.Width * 4,
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// Allocator creates buffer memory. Implementations return an error
// wrapping mlresult.ErrResourceExhausted when memory cannot be obtained.
type Allocator func(w, h int, f PixelFormat) (*PooledBuffer, error)

// DefaultAllocator allocates on the Go heap, refusing buffers larger than
// MaxBufferBytes.
func DefaultAllocator(w, h int, f PixelFormat) (*PooledBuffer, error) {
	bpp := f.BytesPerPixel()
	if bpp == 0 {
		return nil, ErrUnknownFormat
	}
	if w <= 0 || h <= 0 {
		return nil, ErrInvalidDimensions
	}
	size := w * h * bpp
	if size > MaxBufferBytes {
		return nil, exhausted("buffer %dx%d %s needs %d bytes", w, h, f, size)
	}
	return &PooledBuffer{Width: w, Height: h, Format: f, Pix: make([]byte, size)}, nil
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Size               int    `json:"size"`
	MaxSize            int    `json:"max_size"`
	Hits               uint64 `json:"hits"`
	Misses             uint64 `json:"misses"`
	Allocations        uint64 `json:"allocations"`
	Frees              uint64 `json:"frees"`
	AllocationFailures uint64 `json:"allocation_failures"`
	PressureEvents     uint64 `json:"pressure_events"`
	Closed             bool   `json:"closed"`
}

// BufferPool is a bounded pool of reusable image buffers.
//
// This molecule composes:
//   - a slice of idle buffers scanned linearly (at most MaxPoolCap entries)
//   - a PressureMonitor driving maxPoolSize between MinPoolSize and MaxPoolCap
//   - an Allocator and a reclaim hint for pressure handling
//
// Invariants: 0 <= len(idle) <= maxPoolSize and
// MinPoolSize <= maxPoolSize <= MaxPoolCap.
type BufferPool struct {
	mu      sync.Mutex
	idle    []*PooledBuffer
	maxSize int
	closed  bool

	hits, misses, allocations, frees, allocFailures, pressureEvents uint64

	monitor *PressureMonitor
	alloc   Allocator
	reclaim func()
	logger  *zap.Logger
}

// PoolOption configures a BufferPool.
type PoolOption func(*BufferPool)

// WithAllocator replaces DefaultAllocator.
func WithAllocator(a Allocator) PoolOption {
	return func(p *BufferPool) { p.alloc = a }
}

// WithReclaimHint replaces the runtime memory reclaim hint run after
// pressure eviction. Tests pass a no-op.
func WithReclaimHint(fn func()) PoolOption {
	return func(p *BufferPool) { p.reclaim = fn }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *zap.Logger) PoolOption {
	return func(p *BufferPool) { p.logger = logger }
}

// NewBufferPool creates a pool with the given initial maxPoolSize, clamped
// to [MinPoolSize, MaxPoolCap]. A nil monitor samples the Go runtime.
func NewBufferPool(maxSize int, monitor *PressureMonitor, opts ...PoolOption) *BufferPool {
	if monitor == nil {
		monitor = NewPressureMonitor(nil)
	}
	p := &BufferPool{
		maxSize: clampPoolSize(maxSize),
		monitor: monitor,
		alloc:   DefaultAllocator,
		reclaim: debug.FreeOSMemory,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.idle = make([]*PooledBuffer, 0, MaxPoolCap)
	return p
}

func clampPoolSize(n int) int {
	return min(max(n, MinPoolSize), MaxPoolCap)
}

// Acquire returns an idle buffer matching (w, h, f) or allocates a new one.
// It returns false, never an error, when no buffer can be provided:
// the pool is drained, memory pressure is at or above AllocationCeiling,
// or the allocator reported exhaustion (which also runs pressure handling).
func (p *BufferPool) Acquire(w, h int, f PixelFormat) (*PooledBuffer, bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false
	}
	for i, b := range p.idle {
		if b.matches(w, h, f) {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.hits++
			p.mu.Unlock()
			return b, true
		}
	}
	p.misses++
	p.mu.Unlock()

	sample := p.SamplePressure()
	if sample.Ratio >= AllocationCeiling {
		p.countAllocFailure()
		p.logger.Warn("Buffer allocation refused under memory pressure",
			zap.Float64("pressure", sample.Ratio),
			zap.Int("width", w),
			zap.Int("height", h),
		)
		return nil, false
	}

	b, err := p.alloc(w, h, f)
	if err != nil {
		p.countAllocFailure()
		p.logger.Warn("Buffer allocation failed",
			zap.Int("width", w),
			zap.Int("height", h),
			zap.Stringer("format", f),
			zap.Error(err),
		)
		if mlresult.IsResourceExhausted(err) {
			p.HandlePressure()
		}
		return nil, false
	}

	p.mu.Lock()
	p.allocations++
	p.mu.Unlock()
	return b, true
}

// Release hands a buffer back. It is retained while the pool is below
// maxPoolSize and freed otherwise. Nil and already recycled buffers are
// ignored.
func (p *BufferPool) Release(b *PooledBuffer) {
	if b == nil || b.recycled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed && len(p.idle) < p.maxSize {
		p.idle = append(p.idle, b)
		return
	}
	b.free()
	p.frees++
}

// SamplePressure reads memory pressure and adapts maxPoolSize: above
// HighPressureThreshold it shrinks by one and runs pressure handling, below
// LowPressureThreshold it grows by one. An unreadable sample (MaxBytes 0)
// leaves the size alone.
func (p *BufferPool) SamplePressure() PressureSample {
	sample := p.monitor.Sample()
	if sample.MaxBytes == 0 {
		p.logger.Debug("Memory statistics unavailable, pool size unchanged")
		return sample
	}

	p.mu.Lock()
	switch {
	case sample.Ratio > HighPressureThreshold:
		p.maxSize = max(MinPoolSize, p.maxSize-1)
		p.evictLocked()
		p.mu.Unlock()
		p.logger.Debug("High memory pressure, pool shrunk",
			zap.Float64("pressure", sample.Ratio),
		)
		p.runReclaim()
		return sample
	case sample.Ratio < LowPressureThreshold:
		p.maxSize = min(MaxPoolCap, p.maxSize+1)
	}
	p.mu.Unlock()
	return sample
}

// HandlePressure evicts idle buffers down to max(MinPoolSize, maxPoolSize/2)
// and issues the reclaim hint.
func (p *BufferPool) HandlePressure() {
	p.mu.Lock()
	evicted := p.evictLocked()
	p.mu.Unlock()

	p.logger.Info("Handling memory pressure", zap.Int("evicted", evicted))
	p.runReclaim()
}

func (p *BufferPool) evictLocked() int {
	p.pressureEvents++
	target := max(MinPoolSize, p.maxSize/2)
	evicted := 0
	for len(p.idle) > target {
		last := len(p.idle) - 1
		p.idle[last].free()
		p.idle[last] = nil
		p.idle = p.idle[:last]
		p.frees++
		evicted++
	}
	return evicted
}

func (p *BufferPool) runReclaim() {
	if p.reclaim != nil {
		p.reclaim()
	}
}

func (p *BufferPool) countAllocFailure() {
	p.mu.Lock()
	p.allocFailures++
	p.mu.Unlock()
}

// Drain frees every idle buffer and closes the pool. Later Acquire calls
// return false and released buffers are freed. Drain is idempotent.
func (p *BufferPool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.idle {
		b.free()
		p.frees++
	}
	p.idle = p.idle[:0]
	p.closed = true
}

// Size returns the number of idle buffers.
func (p *BufferPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// MaxSize returns the current maxPoolSize.
func (p *BufferPool) MaxSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSize
}

// Stats returns a snapshot of the pool counters.
func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:               len(p.idle),
		MaxSize:            p.maxSize,
		Hits:               p.hits,
		Misses:             p.misses,
		Allocations:        p.allocations,
		Frees:              p.frees,
		AllocationFailures: p.allocFailures,
		PressureEvents:     p.pressureEvents,
		Closed:             p.closed,
	}
}
