package registry

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/redis/go-redis/v9"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	testlog.Start(t)
	bus := NewBus(BusOptions{})
	defer bus.Close()

	a, cancelA := bus.Subscribe(context.Background())
	defer cancelA()
	b, cancelB := bus.Subscribe(context.Background())
	defer cancelB()

	sent := bus.Publish(Event{Type: EventSessionStarted, SessionID: "s"})
	if sent.ID == "" || sent.Timestamp.IsZero() {
		t.Fatalf("expected stamped event, got %+v", sent)
	}
	for _, ch := range []<-chan Event{a, b} {
		got := collect(t, ch, 1)[0]
		if got.ID != sent.ID {
			t.Fatalf("got %s want %s", got.ID, sent.ID)
		}
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	testlog.Start(t)
	bus := NewBus(BusOptions{SubscriberBuffer: 2})
	defer bus.Close()
	slow, cancel := bus.Subscribe(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: EventComponentUpdated, SessionID: "s"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	if got := len(slow); got != 2 {
		t.Fatalf("buffered = %d want 2", got)
	}
}

func TestBusCancelAndContext(t *testing.T) {
	testlog.Start(t)
	bus := NewBus(BusOptions{})
	defer bus.Close()

	ch, cancel := bus.Subscribe(context.Background())
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}

	ctx, stop := context.WithCancel(context.Background())
	ch2, _ := bus.Subscribe(ctx)
	stop()
	select {
	case _, ok := <-ch2:
		if ok {
			t.Fatalf("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber not released on context cancel")
	}
	if n := bus.Subscribers(); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
}

func TestBusCloseReleasesSubscribers(t *testing.T) {
	testlog.Start(t)
	bus := NewBus(BusOptions{})
	ch, _ := bus.Subscribe(context.Background())
	_ = bus.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after bus close")
	}
	_ = bus.Close()
}

func TestBusRedisMirrorUnavailable(t *testing.T) {
	testlog.Start(t)
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	bus := NewBus(BusOptions{Client: client, MirrorBuffer: 1})
	local, cancel := bus.Subscribe(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventSessionLost, SessionID: "s"})
	}
	if got := collect(t, local, 5); len(got) != 5 {
		t.Fatalf("local delivery must not depend on redis")
	}

	closed := make(chan struct{})
	go func() {
		_ = bus.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("close blocked on redis mirror")
	}
}

func TestHistoryRing(t *testing.T) {
	testlog.Start(t)
	h := newHistory(3)
	if got := h.recent(0); len(got) != 0 {
		t.Fatalf("empty ring returned %d", len(got))
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		h.push(Session{ID: id})
	}
	if got := ids(h.recent(0)); len(got) != 3 || got[0] != "d" || got[2] != "b" {
		t.Fatalf("recent = %v", got)
	}
	if got := ids(h.recent(1)); len(got) != 1 || got[0] != "d" {
		t.Fatalf("recent(1) = %v", got)
	}
}
