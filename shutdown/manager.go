package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mlpipeline/core"
)

// Manager is the process-level shutdown organism. It composes:
//   - an OperationTracker for in-flight work (frame feeds, HTTP requests)
//   - a ShutdownRegistry for ordered cleanup
//   - a signal watcher: the first signal cancels Context, a repeated
//     signal forces exit
//
// Usage:
//
//	manager := NewManager(logger, WithTimeout(15*time.Second))
//	manager.Register("orchestrator", PriorityWorkers, orch.Shutdown)
//	manager.Register("telemetry", PriorityStorage, CloseFunc(store))
//	manager.Start()
//
//	go func() {
//	    _ = manager.Track(ctx, "feed", runFeed)
//	}()
//
//	manager.Wait()
//	err := manager.Shutdown()
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration
	signals []os.Signal
	force   func()

	mu          sync.Mutex
	started     bool
	shutdown    bool
	signalCount int
	sigChan     chan os.Signal

	ctx    context.Context
	cancel context.CancelCauseFunc

	tracker  *OperationTracker
	registry *ShutdownRegistry
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets the overall shutdown budget. Default is 30 seconds.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithSignals replaces the watched signals (default SIGINT and SIGTERM).
func WithSignals(sigs ...os.Signal) ManagerOption {
	return func(m *Manager) { m.signals = sigs }
}

// WithForceExit replaces the action taken on a repeated signal.
// Default is os.Exit(ExitCodeForced).
func WithForceExit(fn func()) ManagerOption {
	return func(m *Manager) { m.force = fn }
}

// NewManager creates a Manager. A nil logger disables logging.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancelCause(context.Background())

	m := &Manager{
		logger:   logger,
		timeout:  30 * time.Second,
		signals:  []os.Signal{os.Interrupt, syscall.SIGTERM},
		force:    func() { os.Exit(int(core.ExitCodeForced)) },
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewShutdownRegistry(logger),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context is cancelled when shutdown is triggered.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup step. Lower priority runs first; see the
// Priority constants.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	if m.registry.Register(name, priority, fn) {
		m.logger.Debug("Registered shutdown handler",
			zap.String("name", name),
			zap.Int("priority", priority))
	}
}

// Start begins watching the configured signals. Repeated calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	m.sigChan = make(chan os.Signal, 2)
	signal.Notify(m.sigChan, m.signals...)

	go func(ch <-chan os.Signal) {
		for sig := range ch {
			m.onSignal(sig)
		}
	}(m.sigChan)

	m.logger.Info("Shutdown manager started, listening for signals")
}

func (m *Manager) onSignal(sig os.Signal) {
	m.mu.Lock()
	m.signalCount++
	count := m.signalCount
	m.mu.Unlock()

	if count == 1 {
		m.logger.Info("Received shutdown signal, initiating graceful shutdown",
			zap.String("signal", sig.String()))
		m.Trigger(sig.String())
		return
	}
	m.logger.Warn("Received repeated signal, forcing exit", zap.String("signal", sig.String()))
	m.force()
}

// Trigger cancels Context without waiting for a signal. The service
// wrapper calls it when the OS service manager stops the process.
func (m *Manager) Trigger(reason string) {
	m.cancel(&triggerCause{reason: reason})
}

type triggerCause struct{ reason string }

func (c *triggerCause) Error() string { return "shutdown triggered: " + c.reason }

// Wait blocks until Context is cancelled.
func (m *Manager) Wait() {
	<-m.ctx.Done()
}

// Track runs fn as a named in-flight operation. It returns
// ErrTrackerClosed without running fn once shutdown has begun.
func (m *Manager) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	done, ok := m.tracker.Start(name)
	if !ok {
		m.logger.Debug("Operation rejected, shutting down", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer done()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Shutdown cancels Context, waits for tracked operations and runs the
// cleanup steps within the configured timeout. It is idempotent; later
// calls return nil.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	if m.sigChan != nil {
		signal.Stop(m.sigChan)
		close(m.sigChan)
	}
	m.mu.Unlock()

	m.Trigger("shutdown")
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.logger.Info("Initiating graceful shutdown",
		zap.Duration("timeout", m.timeout),
		zap.Strings("handlers", m.registry.Names()))

	m.tracker.Close()
	if err := m.tracker.Wait(ctx); err != nil {
		m.logger.Warn("Timed out waiting for in-flight operations",
			zap.Strings("remaining", m.tracker.Active()))
	}

	// Cleanup always gets at least a second even if the wait used the budget.
	if deadline, _ := ctx.Deadline(); time.Until(deadline) < time.Second {
		cancel()
		ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
	}

	if err := m.registry.Shutdown(ctx); err != nil {
		m.logger.Error("Shutdown completed with errors",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}

	m.logger.Info("Graceful shutdown completed", zap.Duration("duration", time.Since(start)))
	return nil
}

// ActiveOperations returns the number of tracked operations in flight.
func (m *Manager) ActiveOperations() int {
	return m.tracker.ActiveCount()
}

// IsShuttingDown reports whether shutdown has been triggered.
func (m *Manager) IsShuttingDown() bool {
	return m.ctx.Err() != nil
}

// RegisteredHandlers returns cleanup step names in execution order.
func (m *Manager) RegisteredHandlers() []string {
	return m.registry.Names()
}
