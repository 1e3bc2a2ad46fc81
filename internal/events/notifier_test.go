package events

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	n := NewInProc()
	var mu sync.Mutex
	var got []Payload
	n.Subscribe(ItemQueued, func(event string, p Payload) {
		if event != ItemQueued {
			t.Errorf("unexpected event name %q", event)
		}
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	n.Publish(ItemQueued, Payload{"item_id": "abc"})
	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0]["item_id"] != "abc" {
		t.Fatalf("payload lost: %+v", got[0])
	}
	if _, ok := got[0]["timestamp"].(string); !ok {
		t.Fatal("expected a timestamp to be stamped on publish")
	}
}

func TestPublishDoesNotCrossEvents(t *testing.T) {
	n := NewInProc()
	var mu sync.Mutex
	count := 0
	n.Subscribe(ItemCompleted, func(string, Payload) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	n.Publish(ItemFailed, nil)
	n.Publish(ItemCompleted, nil)
	waitFor(t, "one delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})
	// an item_failed delivery would have arrived by now too
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
}

func TestWildcardSeesEverything(t *testing.T) {
	n := NewInProc()
	var mu sync.Mutex
	seen := map[string]int{}
	n.Subscribe(Wildcard, func(event string, _ Payload) {
		mu.Lock()
		seen[event]++
		mu.Unlock()
	})

	n.Publish(ItemQueued, nil)
	n.Publish(WorkerRegistered, nil)
	n.Publish("custom_event", nil)

	waitFor(t, "three deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[ItemQueued] == 1 && seen[WorkerRegistered] == 1 && seen["custom_event"] == 1
	})
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	n := NewInProc()
	n.Subscribe(ItemQueued, func(string, Payload) {
		panic("boom")
	})
	var mu sync.Mutex
	delivered := false
	n.Subscribe(ItemQueued, func(string, Payload) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})

	// must not panic the publisher, and the healthy handler still runs
	n.Publish(ItemQueued, nil)
	waitFor(t, "healthy handler", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	})
}

func TestCallerTimestampPreserved(t *testing.T) {
	n := NewInProc()
	var mu sync.Mutex
	var got Payload
	n.Subscribe(ItemQueued, func(_ string, p Payload) {
		mu.Lock()
		got = p
		mu.Unlock()
	})

	n.Publish(ItemQueued, Payload{"timestamp": "2026-01-01T00:00:00Z"})
	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
	mu.Lock()
	defer mu.Unlock()
	if got["timestamp"] != "2026-01-01T00:00:00Z" {
		t.Fatalf("caller timestamp overwritten: %v", got["timestamp"])
	}
}

func TestNilHandlerIgnored(t *testing.T) {
	n := NewInProc()
	n.Subscribe(ItemQueued, nil)
	n.Publish(ItemQueued, nil) // must not panic
}
