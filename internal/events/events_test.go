package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type recordingSubscriber struct {
	id string
	mu sync.Mutex
	rx []string
}

func (r *recordingSubscriber) ConnID() string { return r.id }

func (r *recordingSubscriber) Deliver(ctx context.Context, eventName string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rx = append(r.rx, eventName+":"+string(payload))
	return nil
}

func (r *recordingSubscriber) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.rx))
	copy(out, r.rx)
	return out
}

func TestBroadcastDeliversToSubscribers(t *testing.T) {
	bus := New(nil, 0)
	sub := &recordingSubscriber{id: "conn-1"}
	if !bus.Subscribe("tick", sub) {
		t.Fatalf("expected subscribe to succeed")
	}

	bus.Broadcast(context.Background(), "tick", []byte("1"))
	bus.Broadcast(context.Background(), "tick", []byte("2"))

	got := sub.received()
	want := []string{"tick:1", "tick:2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected ordered delivery %v, got %v", want, got)
	}
}

func TestSubscribeRefusedByCanSubscribe(t *testing.T) {
	bus := New([]Declaration{{
		Name:         "admin.tick",
		CanSubscribe: func(connID string) bool { return connID == "admin" },
	}}, 0)

	sub := &recordingSubscriber{id: "regular"}
	if bus.Subscribe("admin.tick", sub) {
		t.Fatalf("expected subscribe to be refused")
	}

	admin := &recordingSubscriber{id: "admin"}
	if !bus.Subscribe("admin.tick", admin) {
		t.Fatalf("expected admin subscribe to succeed")
	}

	bus.Broadcast(context.Background(), "admin.tick", []byte("x"))
	if len(sub.received()) != 0 {
		t.Fatalf("refused subscriber should receive nothing")
	}
	if len(admin.received()) != 1 {
		t.Fatalf("expected admin to receive the broadcast")
	}
}

func TestUnsubscribeAllRemovesEveryEvent(t *testing.T) {
	bus := New(nil, 0)
	sub := &recordingSubscriber{id: "conn-1"}
	bus.Subscribe("a", sub)
	bus.Subscribe("b", sub)

	bus.Unsubscribe("conn-1", "")

	bus.Broadcast(context.Background(), "a", []byte("x"))
	bus.Broadcast(context.Background(), "b", []byte("y"))
	if len(sub.received()) != 0 {
		t.Fatalf("expected no deliveries after full unsubscribe")
	}
}

func TestRateLimitDropsExcessBroadcasts(t *testing.T) {
	bus := New(nil, 1) // 1 event/sec, burst 2
	sub := &recordingSubscriber{id: "conn-1"}
	bus.Subscribe("tick", sub)

	for i := 0; i < 10; i++ {
		bus.Broadcast(context.Background(), "tick", []byte("x"))
	}

	got := len(sub.received())
	if got == 0 || got >= 10 {
		t.Fatalf("expected rate limiting to drop some but not all broadcasts, delivered %d/10", got)
	}
}

// TestConcurrentBroadcastsPreserveSubscriberOrder pins down spec.md
// §4.6's per-subscriber ordering guarantee: two goroutines broadcasting
// distinct, internally-ordered event streams must never interleave at
// the subscriber, even though nothing serializes the goroutines against
// each other.
func TestConcurrentBroadcastsPreserveSubscriberOrder(t *testing.T) {
	bus := New(nil, 0)
	sub := &recordingSubscriber{id: "conn-1"}
	bus.Subscribe("tick", sub)

	const perGoroutine = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < perGoroutine; i++ {
			bus.Broadcast(context.Background(), "tick", []byte(fmt.Sprintf("a%d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perGoroutine; i++ {
			bus.Broadcast(context.Background(), "tick", []byte(fmt.Sprintf("b%d", i)))
		}
	}()
	wg.Wait()

	got := sub.received()
	if len(got) != 2*perGoroutine {
		t.Fatalf("expected %d deliveries, got %d", 2*perGoroutine, len(got))
	}

	lastA, lastB := -1, -1
	for _, entry := range got {
		var prefix rune
		var n int
		fmt.Sscanf(entry, "tick:%c%d", &prefix, &n)
		switch prefix {
		case 'a':
			if n <= lastA {
				t.Fatalf("goroutine a's events arrived out of order at subscriber: %v", got)
			}
			lastA = n
		case 'b':
			if n <= lastB {
				t.Fatalf("goroutine b's events arrived out of order at subscriber: %v", got)
			}
			lastB = n
		}
	}
}
