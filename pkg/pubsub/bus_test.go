package pubsub

import (
	"fmt"
	"testing"
	"time"

	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	bus := NewBus(logging.NewNopLogger(), 8)

	a := bus.Subscribe("map-a")
	b := bus.Subscribe("map-a")
	other := bus.Subscribe("map-b")

	bus.Broadcast("map-a", "data_updated", 1)

	for _, sub := range []*Subscription{a, b} {
		select {
		case msg := <-sub.C:
			if msg.Name != "data_updated" || msg.Topic != "map-a" {
				t.Fatalf("unexpected message %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive broadcast")
		}
	}

	select {
	case msg := <-other.C:
		t.Fatalf("unrelated topic received %+v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPerTopicFIFO(t *testing.T) {
	bus := NewBus(logging.NewNopLogger(), 128)
	sub := bus.Subscribe("events")

	for i := 0; i < 100; i++ {
		bus.Broadcast("events", fmt.Sprintf("m%d", i), i)
	}
	for i := 0; i < 100; i++ {
		select {
		case msg := <-sub.C:
			if msg.Payload.(int) != i {
				t.Fatalf("out of order delivery: expected %d got %v", i, msg.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing message %d", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(logging.NewNopLogger(), 2)
	_ = bus.Subscribe("busy")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Broadcast("busy", "tick", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a slow subscriber")
	}
	if bus.Dropped() == 0 {
		t.Fatalf("expected drops to be counted")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(logging.NewNopLogger(), 8)
	sub := bus.Subscribe("t")
	if bus.SubscriberCount("t") != 1 {
		t.Fatalf("expected one subscriber")
	}

	sub.Unsubscribe()
	if bus.SubscriberCount("t") != 0 {
		t.Fatalf("expected zero subscribers after unsubscribe")
	}
	if _, open := <-sub.C; open {
		t.Fatalf("expected channel to be closed")
	}

	// A second unsubscribe must be a no-op.
	sub.Unsubscribe()
}

func TestBroadcastDuringUnsubscribeDoesNotPanic(t *testing.T) {
	bus := NewBus(logging.NewNopLogger(), 1)

	const subscribers = 64
	subs := make([]*Subscription, 0, subscribers)
	for i := 0; i < subscribers; i++ {
		subs = append(subs, bus.Subscribe("map-a"))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			bus.Broadcast("map-a", "data_updated", i)
		}
	}()

	// Tear subscriptions down while the broadcaster is mid-flight.
	for _, sub := range subs {
		sub.Unsubscribe()
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("broadcaster never finished")
	}
	if got := bus.SubscriberCount("map-a"); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(logging.NewNopLogger(), 1)
	sub := bus.Subscribe("map-a")
	sub.Unsubscribe()
	sub.Unsubscribe()

	// A send after close must be silently ignored, not counted as a drop.
	bus.Broadcast("map-a", "data_updated", 1)
	if bus.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", bus.Dropped())
	}
}
