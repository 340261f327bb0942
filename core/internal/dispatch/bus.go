package dispatch

import (
	"context"
	"sync"
)

// Bus is the in-process publish/subscribe fabric between the state store and
// the orchestrator/fan-out subscribers. Delivery is at-least-once within the
// process: Publish blocks until the event is buffered for every subscriber
// (or the context ends), so a slow subscriber applies backpressure to the
// publisher goroutine but never loses events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	buf    int
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{subs: make(map[string]chan Event), buf: buffer}
}

// Subscribe registers a named subscriber and returns its event channel. A
// second Subscribe with the same name replaces the previous channel; the old
// one is closed.
func (b *Bus) Subscribe(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subs[name]; ok {
		close(old)
	}
	ch := make(chan Event, b.buf)
	b.subs[name] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[name]; ok {
		close(ch)
		delete(b.subs, name)
	}
}

// Publish delivers the event to every subscriber in registration-independent
// order. Events published sequentially by one goroutine arrive in that order
// on every subscriber channel; the store relies on this for per-call ordering.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.subs {
		close(ch)
		delete(b.subs, name)
	}
}
