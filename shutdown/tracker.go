// Package shutdown provides graceful shutdown infrastructure molecules.
// It composes core.ShutdownFunc atoms into ordered teardown registries,
// in-flight operation tracking and the process-level signal manager.
package shutdown

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrTrackerClosed is returned when trying to start an operation on a closed tracker.
var ErrTrackerClosed = errors.New("operation tracker is closed")

// OperationTracker counts in-flight operations by name so shutdown can
// wait for them and report which ones are still running.
//
// Usage:
//
//	tracker := NewOperationTracker()
//
//	done, ok := tracker.Start("feed")
//	if !ok {
//	    return // shutting down
//	}
//	defer done()
//
//	// During shutdown:
//	tracker.Close()
//	if err := tracker.Wait(ctx); err != nil {
//	    log.Println("still running:", tracker.Active())
//	}
type OperationTracker struct {
	mu     sync.Mutex
	active map[string]int
	total  int
	closed bool
	idle   chan struct{}
}

// NewOperationTracker creates a tracker with no operations in flight.
func NewOperationTracker() *OperationTracker {
	idle := make(chan struct{})
	close(idle)
	return &OperationTracker{active: make(map[string]int), idle: idle}
}

// Start registers an operation. When ok is true the caller must invoke
// done exactly once; extra calls are ignored.
func (t *OperationTracker) Start(name string) (done func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return func() {}, false
	}
	if t.total == 0 {
		t.idle = make(chan struct{})
	}
	t.active[name]++
	t.total++

	var once sync.Once
	return func() { once.Do(func() { t.finish(name) }) }, true
}

func (t *OperationTracker) finish(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active[name]--; t.active[name] <= 0 {
		delete(t.active, name)
	}
	if t.total--; t.total == 0 {
		close(t.idle)
	}
}

// Wait blocks until no operations are in flight or ctx ends.
func (t *OperationTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further Start calls. Running operations are unaffected.
func (t *OperationTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// ActiveCount returns the number of operations in flight.
func (t *OperationTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Active returns the sorted names of operations in flight.
func (t *OperationTracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.active))
	for name := range t.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsClosed returns true if the tracker has been closed.
func (t *OperationTracker) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
