package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LifecycleEvent is a host application lifecycle transition.
type LifecycleEvent int

const (
	Backgrounded LifecycleEvent = iota + 1
	Foregrounded
	Destroyed
)

func (e LifecycleEvent) String() string {
	switch e {
	case Backgrounded:
		return "backgrounded"
	case Foregrounded:
		return "foregrounded"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ParseLifecycleEvent accepts the event name or its short verb form
// ("background", "foreground", "destroy").
func ParseLifecycleEvent(s string) (LifecycleEvent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "background", "backgrounded":
		return Backgrounded, nil
	case "foreground", "foregrounded":
		return Foregrounded, nil
	case "destroy", "destroyed":
		return Destroyed, nil
	default:
		return 0, fmt.Errorf("unknown lifecycle event %q", s)
	}
}

// LifecycleObserver receives host events.
type LifecycleObserver func(LifecycleEvent)

// LifecycleHost delivers lifecycle events to registered observers. The
// returned cancel func unregisters the observer and is safe to call more
// than once.
type LifecycleHost interface {
	Observe(observer LifecycleObserver) (cancel func())
}

// LifecycleBus is an in-process LifecycleHost. main drives it from
// signals, the OS service and the web API.
//
// Observers are called synchronously, in registration order, outside the
// bus lock, so an observer may cancel its own registration.
type LifecycleBus struct {
	mu        sync.Mutex
	nextID    uint64
	observers map[uint64]LifecycleObserver
	logger    *zap.Logger
}

// NewLifecycleBus creates an empty bus.
func NewLifecycleBus(logger *zap.Logger) *LifecycleBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleBus{observers: make(map[uint64]LifecycleObserver), logger: logger}
}

// Observe implements LifecycleHost.
func (b *LifecycleBus) Observe(observer LifecycleObserver) func() {
	if observer == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.observers[id] = observer
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.observers, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers event to every observer registered at call time.
func (b *LifecycleBus) Emit(event LifecycleEvent) {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.observers))
	for id := range b.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]LifecycleObserver, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, b.observers[id])
	}
	b.mu.Unlock()

	b.logger.Info("Lifecycle event", zap.Stringer("event", event), zap.Int("observers", len(observers)))
	for _, fn := range observers {
		fn(event)
	}
}

// ObserverCount returns the number of registered observers.
func (b *LifecycleBus) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}
