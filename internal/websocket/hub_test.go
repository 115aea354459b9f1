package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, types ...string) *Client {
	return NewClient(hub, nil, 1, types)
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(testLogger())

	c1 := mockClient(hub)
	c2 := mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("client count = %d, want 2", got)
	}

	hub.Unregister(c1)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("client count = %d, want 1", got)
	}

	hub.Unregister(c2)
	hub.Unregister(c2)
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("client count = %d, want 0", got)
	}
}

func TestPublish(t *testing.T) {
	hub := NewHub(testLogger())
	c1 := mockClient(hub)
	c2 := mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)
	defer hub.Unregister(c1)
	defer hub.Unregister(c2)

	hub.Publish(Event{Type: "ASSIGNED", PortID: 3, SubscriptionID: 9, Summary: "https://a.example.com"})

	for _, c := range []*Client{c1, c2} {
		select {
		case data := <-c.send:
			var got Event
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "ASSIGNED" {
				t.Errorf("type = %q, want ASSIGNED", got.Type)
			}
			if got.PortID != 3 || got.SubscriptionID != 9 {
				t.Errorf("ids = %d/%d, want 3/9", got.PortID, got.SubscriptionID)
			}
			if got.At.IsZero() {
				t.Error("event not timestamped")
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestPublishEmptyHub(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Publish(Event{Type: "RELEASED"})
}

func TestPublishFullBufferDrops(t *testing.T) {
	hub := NewHub(testLogger())
	c := mockClient(hub)
	hub.Register(c)
	defer hub.Unregister(c)

	for i := 0; i < sendBufferSize+1; i++ {
		hub.Publish(Event{Type: "CREATED", PortID: int64(i)})
	}

	count := 0
	for len(c.send) > 0 {
		<-c.send
		count++
	}
	if count != sendBufferSize {
		t.Errorf("buffered = %d, want %d", count, sendBufferSize)
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(testLogger())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub)
			hub.Register(c)
			hub.Publish(Event{Type: "STATUS_CHANGED"})
			for len(c.send) > 0 {
				<-c.send
			}
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("client count = %d, want 0", got)
	}
}

func TestPublishHonoursTypeFilter(t *testing.T) {
	hub := NewHub(testLogger())
	all := mockClient(hub)
	releases := mockClient(hub, " released", "")
	hub.Register(all)
	hub.Register(releases)
	defer hub.Unregister(all)
	defer hub.Unregister(releases)

	hub.Publish(Event{Type: "ASSIGNED"})
	hub.Publish(Event{Type: "RELEASED"})

	if got := len(all.send); got != 2 {
		t.Errorf("unfiltered client got %d events, want 2", got)
	}
	if got := len(releases.send); got != 1 {
		t.Fatalf("filtered client got %d events, want 1", got)
	}
	var ev Event
	json.Unmarshal(<-releases.send, &ev)
	if ev.Type != "RELEASED" {
		t.Errorf("filtered event = %q, want RELEASED", ev.Type)
	}
}
