package metrics

import (
	"sync"
)

// Broadcaster fans PipelineMetrics snapshots out to subscribers with
// replay-latest semantics: a new subscriber immediately receives the most
// recent snapshot, and a slow subscriber only ever misses intermediate
// snapshots, never the newest one.
//
// Usage:
//
//	b := NewBroadcaster()
//	ch, cancel := b.Subscribe()
//	defer cancel()
//	b.Publish(snapshot)
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[uint64]chan PipelineMetrics
	nextID    uint64
	latest    PipelineMetrics
	hasLatest bool
	closed    bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan PipelineMetrics)}
}

// Subscribe returns a channel of snapshots and a cancel func that closes
// it. On a closed broadcaster the channel is returned already closed.
func (b *Broadcaster) Subscribe() (<-chan PipelineMetrics, func()) {
	ch := make(chan PipelineMetrics, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if b.hasLatest {
		ch <- b.latest
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish records snapshot as the latest and delivers it to every
// subscriber, replacing any snapshot they have not read yet.
func (b *Broadcaster) Publish(snapshot PipelineMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.latest = snapshot
	b.hasLatest = true

	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

// Latest returns the most recent snapshot, if any was published.
func (b *Broadcaster) Latest() (PipelineMetrics, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.hasLatest
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later Publish calls are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
