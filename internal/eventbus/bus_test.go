package eventbus

import (
	"testing"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	cycles, unsubCycles := b.Subscribe(4, "dispatch.cycle.")
	defer unsubCycles()

	b.Publish(Event{Type: "dispatch.cycle.started"})
	b.Publish(Event{Type: "dispatch.destination.result"})

	if got := len(all); got != 2 {
		t.Fatalf("all got %d events", got)
	}
	if got := len(cycles); got != 1 {
		t.Fatalf("cycles got %d events", got)
	}
	e := <-cycles
	if e.Type != "dispatch.cycle.started" || e.Time.IsZero() {
		t.Fatalf("event=%+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", b.Dropped())
	}

	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
	if b.Dropped() != 1 {
		t.Fatalf("publish after unsubscribe counted a drop")
	}
}
