package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseLifecycleEvent(t *testing.T) {
	tests := []struct {
		in      string
		want    LifecycleEvent
		wantErr bool
	}{
		{"background", Backgrounded, false},
		{"Backgrounded", Backgrounded, false},
		{" foreground ", Foregrounded, false},
		{"foregrounded", Foregrounded, false},
		{"destroy", Destroyed, false},
		{"DESTROYED", Destroyed, false},
		{"suspend", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLifecycleEvent(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLifecycleEvent_String(t *testing.T) {
	assert.Equal(t, "backgrounded", Backgrounded.String())
	assert.Equal(t, "foregrounded", Foregrounded.String())
	assert.Equal(t, "destroyed", Destroyed.String())
	assert.Equal(t, "unknown", LifecycleEvent(0).String())
}

func TestLifecycleBus_DeliversInRegistrationOrder(t *testing.T) {
	bus := NewLifecycleBus(zaptest.NewLogger(t))

	var got []string
	bus.Observe(func(e LifecycleEvent) { got = append(got, "first:"+e.String()) })
	bus.Observe(func(e LifecycleEvent) { got = append(got, "second:"+e.String()) })
	bus.Observe(func(e LifecycleEvent) { got = append(got, "third:"+e.String()) })

	bus.Emit(Backgrounded)

	assert.Equal(t, []string{"first:backgrounded", "second:backgrounded", "third:backgrounded"}, got)
}

func TestLifecycleBus_Cancel(t *testing.T) {
	bus := NewLifecycleBus(nil)

	calls := 0
	cancel := bus.Observe(func(LifecycleEvent) { calls++ })
	assert.Equal(t, 1, bus.ObserverCount())

	bus.Emit(Foregrounded)
	cancel()
	cancel()
	bus.Emit(Foregrounded)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.ObserverCount())
}

func TestLifecycleBus_ObserverCancelsItselfDuringEmit(t *testing.T) {
	bus := NewLifecycleBus(zaptest.NewLogger(t))

	var cancel func()
	calls := 0
	cancel = bus.Observe(func(LifecycleEvent) {
		calls++
		cancel()
	})

	bus.Emit(Destroyed)
	bus.Emit(Destroyed)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.ObserverCount())
}

func TestLifecycleBus_NilObserver(t *testing.T) {
	bus := NewLifecycleBus(nil)
	cancel := bus.Observe(nil)
	assert.Equal(t, 0, bus.ObserverCount())
	cancel()
	bus.Emit(Backgrounded)
}

func TestLifecycleBus_ConcurrentObserveAndEmit(t *testing.T) {
	bus := NewLifecycleBus(nil)

	var mu sync.Mutex
	seen := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancel := bus.Observe(func(LifecycleEvent) {
				mu.Lock()
				seen++
				mu.Unlock()
			})
			defer cancel()
		}()
		go func() {
			defer wg.Done()
			bus.Emit(Backgrounded)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, bus.ObserverCount())
}
