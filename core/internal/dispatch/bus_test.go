package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()
	ch := bus.Subscribe("test")

	types := []string{EventCallCreated, EventCallQueued, EventCallAssigned}
	for _, typ := range types {
		if err := bus.Publish(context.Background(), Event{Type: typ, OccurredAt: time.Now()}); err != nil {
			t.Fatalf("Publish(%s): %v", typ, err)
		}
	}
	for i, want := range types {
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Fatalf("event %d: got %s, want %s", i, ev.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	if err := bus.Publish(context.Background(), Event{Type: EventUnitStatusChanged}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Type != EventUnitStatusChanged {
				t.Fatalf("subscriber %s: unexpected event %s", name, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestBusPublishHonorsContext(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()
	bus.Subscribe("slow")

	// Fill the buffer, then a second publish must block until cancelled.
	if err := bus.Publish(context.Background(), Event{Type: EventCallCreated}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, Event{Type: EventCallCreated}); err == nil {
		t.Fatal("expected context error on full subscriber buffer")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()
	ch := bus.Subscribe("gone")
	bus.Unsubscribe("gone")

	if err := bus.Publish(context.Background(), Event{Type: EventCallCreated}); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
}
