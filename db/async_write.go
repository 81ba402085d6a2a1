package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultChannelCapacity is the default buffer size for pending writes.
const DefaultChannelCapacity = 256

// DefaultDrainTimeout bounds how long Close waits for pending writes.
const DefaultDrainTimeout = 5 * time.Second

// WriteOperation is one queued write.
type WriteOperation struct {
	// Data holds the write payload
	Data any
	// Timestamp is when the operation was queued
	Timestamp time.Time
}

// WriteHandler persists one operation.
type WriteHandler func(ctx context.Context, op WriteOperation) error

// AsyncWriterConfig holds configuration for the async writer.
type AsyncWriterConfig struct {
	// ChannelCapacity is the buffer size for pending writes
	ChannelCapacity int
	// DrainTimeout is the default wait for Close without a deadline
	DrainTimeout time.Duration
}

// DefaultAsyncWriterConfig returns the default configuration.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		ChannelCapacity: DefaultChannelCapacity,
		DrainTimeout:    DefaultDrainTimeout,
	}
}

// AsyncWriter moves database writes off the caller's goroutine. Write
// never blocks: when the buffer is full the operation is dropped and
// counted.
//
// This molecule composes:
// - Buffered channel (atom)
// - Single background writer goroutine (atom)
// - Drain on Close (composition)
type AsyncWriter struct {
	ops     chan WriteOperation
	handler WriteHandler
	logger  *zap.Logger
	cfg     AsyncWriterConfig

	mu      sync.RWMutex
	started bool
	closed  bool
	done    chan struct{}
	stop    context.CancelFunc

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewAsyncWriter creates a writer. Call Start before writing.
func NewAsyncWriter(handler WriteHandler, cfg AsyncWriterConfig, logger *zap.Logger) *AsyncWriter {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = DefaultChannelCapacity
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncWriter{
		ops:     make(chan WriteOperation, cfg.ChannelCapacity),
		handler: handler,
		logger:  logger,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// Start launches the background goroutine. Later calls are no-ops.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.closed {
		return
	}
	w.started = true

	ctx, cancel := context.WithCancel(context.Background())
	w.stop = cancel
	go w.run(ctx)
}

func (w *AsyncWriter) run(ctx context.Context) {
	defer close(w.done)
	for op := range w.ops {
		w.apply(ctx, op)
	}
}

func (w *AsyncWriter) apply(ctx context.Context, op WriteOperation) {
	if err := w.handler(ctx, op); err != nil {
		w.failed.Add(1)
		w.logger.Warn("Async write failed", zap.Error(err))
		return
	}
	w.written.Add(1)
}

// Write queues data. It returns false when the writer is not started,
// closed or full.
func (w *AsyncWriter) Write(data any) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.started || w.closed {
		w.dropped.Add(1)
		return false
	}

	select {
	case w.ops <- WriteOperation{Data: data, Timestamp: time.Now()}:
		return true
	default:
		if w.dropped.Add(1) == 1 {
			w.logger.Warn("Async write buffer full, dropping writes", zap.Int("capacity", cap(w.ops)))
		}
		return false
	}
}

// Close stops accepting writes and waits for queued ones until ctx is
// done. Operations still queued at the deadline are abandoned.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	close(w.ops)
	w.mu.Unlock()

	if !started {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.DrainTimeout)
		defer cancel()
	}

	select {
	case <-w.done:
		w.stop()
		return nil
	case <-ctx.Done():
		w.stop()
		w.logger.Warn("Async writer drain timed out", zap.Int("pending", len(w.ops)))
		return ctx.Err()
	}
}

// Pending returns the number of queued operations.
func (w *AsyncWriter) Pending() int { return len(w.ops) }

// AsyncWriterStats counts writer outcomes.
type AsyncWriterStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// Stats returns the writer counters.
func (w *AsyncWriter) Stats() AsyncWriterStats {
	return AsyncWriterStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
		Pending: w.Pending(),
	}
}
