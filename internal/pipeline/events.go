package pipeline

import (
	"sync"
	"time"

	"atomforge/internal/atom"
	"atomforge/internal/logging"
)

// Bus fans progress events out to subscribers. Emission never blocks: a
// subscriber that falls behind loses events rather than stalling a wave.
type Bus struct {
	mu     sync.Mutex
	subs   []chan atom.Event
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a buffered event channel. The channel closes when the
// bus closes.
func (b *Bus) Subscribe() <-chan atom.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan atom.Event, 256)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Emit delivers an event to every subscriber without blocking.
func (b *Bus) Emit(e atom.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	logging.Pipeline("event %s atom=%s wave=%d", e.Type, e.AtomID, e.WaveIndex)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber: drop rather than stall the pipeline.
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
