package mlruntime

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mlpipeline/mlresult"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Handle is an opaque native interpreter instance owned by the Registry.
type Handle interface {
	Close() error
}

// InterpreterState is the lifecycle of a ManagedInterpreter.
type InterpreterState int

const (
	StateRegistered InterpreterState = iota
	StateClosed
)

func (s InterpreterState) String() string {
	if s == StateClosed {
		return "closed"
	}
	return "registered"
}

// ManagedInterpreter is a registry entry.
type ManagedInterpreter struct {
	Key          string
	Handle       Handle
	State        InterpreterState
	RegisteredAt time.Time
}

// RegistryStats is a snapshot of the registry.
type RegistryStats struct {
	InterpreterCount int      `json:"interpreter_count"`
	Keys             []string `json:"keys"`
	Shutdown         bool     `json:"shutdown"`
	Healthy          bool     `json:"healthy"`
}

// Registry owns named interpreter handles and guarantees at most one live
// handle per key.
//
// This organism composes:
//   - a mutex-guarded map of ManagedInterpreter entries
//   - an atomic single-flight shutdown gate
//   - a pressure hook invoked when a handle reports resource exhaustion
//
// Usage:
//
//	reg := NewRegistry(logger, WithPressureHandler(pool.HandlePressure))
//	reg.Register("movenet", interpreter)
//
//	res := WithHandle(reg, "movenet", func(h Handle) (Pose, error) {
//	    return run(h, frame)
//	})
//
//	reg.Shutdown()
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*ManagedInterpreter
	shutdown atomic.Bool

	onPressure func()
	logger     *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPressureHandler sets the function run when a handle reports
// resource exhaustion. It is called outside the registry lock.
func WithPressureHandler(fn func()) RegistryOption {
	return func(r *Registry) {
		r.onPressure = fn
	}
}

// NewRegistry creates an empty Registry. A nil logger disables logging.
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		entries: make(map[string]*ManagedInterpreter),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs handle under key, closing any handle previously
// registered under the same key first. After Shutdown it logs and does
// nothing; the caller keeps ownership of the handle in that case.
func (r *Registry) Register(key string, handle Handle) error {
	if handle == nil {
		return ErrNilHandle
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown.Load() {
		r.logger.Warn("Register after shutdown ignored", zap.String("key", key))
		return nil
	}

	if old, ok := r.entries[key]; ok {
		if err := old.Handle.Close(); err != nil {
			r.logger.Warn("Failed to close replaced interpreter",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		old.State = StateClosed
	}

	r.entries[key] = &ManagedInterpreter{
		Key:          key,
		Handle:       handle,
		State:        StateRegistered,
		RegisteredAt: time.Now(),
	}
	r.logger.Debug("Interpreter registered", zap.String("key", key))
	return nil
}

// WithHandle runs fn with the handle registered under key and wraps the
// outcome:
//   - Error(ErrAlreadyShutdown, false) after Shutdown
//   - Error(ErrNotFound, false) when key is absent
//   - Success(value) when fn returns nil
//   - Degraded(cause, "switched to low-memory mode") when fn reports
//     mlresult.ErrResourceExhausted; the pressure handler also runs
//   - Error(cause, true) for any other error or a panic inside fn
//
// fn runs while the registry lock is held and must not call back into r.
func WithHandle[T any](r *Registry, key string, fn func(Handle) (T, error)) mlresult.Result[T] {
	res, pressure := withHandleLocked(r, key, fn)
	if pressure {
		r.logger.Warn("Interpreter reported resource exhaustion, switching to low-memory mode",
			zap.String("key", key),
		)
		if r.onPressure != nil {
			r.onPressure()
		}
	}
	return res
}

func withHandleLocked[T any](r *Registry, key string, fn func(Handle) (T, error)) (res mlresult.Result[T], pressure bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown.Load() {
		return mlresult.Failure[T](mlresult.ErrAlreadyShutdown, false), false
	}

	entry, ok := r.entries[key]
	if !ok {
		return mlresult.Failure[T](fmt.Errorf("%w: interpreter %q", mlresult.ErrNotFound, key), false), false
	}

	defer func() {
		if p := recover(); p != nil {
			res = mlresult.Failure[T](fmt.Errorf("%w: interpreter %q panicked: %v", mlresult.ErrUnknownFailure, key, p), true)
			pressure = false
		}
	}()

	value, err := fn(entry.Handle)
	switch {
	case err == nil:
		return mlresult.Success(value), false
	case mlresult.IsResourceExhausted(err):
		return mlresult.Degraded[T](err, "switched to low-memory mode"), true
	default:
		return mlresult.Failure[T](err, true), false
	}
}

// Unregister closes and removes the handle under key. It returns
// ErrNotFound when the key is absent.
func (r *Registry) Unregister(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown.Load() {
		return mlresult.ErrAlreadyShutdown
	}

	entry, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("%w: interpreter %q", mlresult.ErrNotFound, key)
	}
	delete(r.entries, key)
	entry.State = StateClosed
	return entry.Handle.Close()
}

// Shutdown closes every handle and clears the registry. It is single-flight:
// only the first call does any work, later and concurrent calls return nil.
// A failing close does not stop the remaining handles from being closed;
// all close errors are returned combined.
func (r *Registry) Shutdown() error {
	if !r.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs error
	for key, entry := range r.entries {
		if err := entry.Handle.Close(); err != nil {
			r.logger.Error("Failed to close interpreter",
				zap.String("key", key),
				zap.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("close %q: %w", key, err))
		}
		entry.State = StateClosed
	}
	closed := len(r.entries)
	r.entries = make(map[string]*ManagedInterpreter)

	r.logger.Info("Registry shut down",
		zap.Int("closed", closed),
		zap.Int("close_errors", len(multierr.Errors(errs))),
	)
	return errs
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Count returns the number of live handles.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsShutdown reports whether Shutdown has been called.
func (r *Registry) IsShutdown() bool {
	return r.shutdown.Load()
}

// IsHealthy reports whether the registry is open and holds at least one
// handle.
func (r *Registry) IsHealthy() bool {
	return !r.IsShutdown() && r.Count() > 0
}

// Stats returns a snapshot of the registry.
func (r *Registry) Stats() RegistryStats {
	keys := r.Keys()
	shut := r.IsShutdown()
	return RegistryStats{
		InterpreterCount: len(keys),
		Keys:             keys,
		Shutdown:         shut,
		Healthy:          !shut && len(keys) > 0,
	}
}
