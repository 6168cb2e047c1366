package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/pgpulse/pgpulse/wire"
)

func TestHub_BasicSubscribePublish(t *testing.T) {
	hub := NewHub()

	// Subscribe to everything
	events, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Publish(Event{Table: "orders", Op: wire.OpInsert, Condition: "user_id = 1", Hash: "aaaa"})

	select {
	case ev := <-events:
		if ev.Table != "orders" || ev.Op != wire.OpInsert {
			t.Errorf("expected (orders, insert), got (%s, %s)", ev.Table, ev.Op)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_FilterSpecificTable(t *testing.T) {
	hub := NewHub()

	events, cancel := hub.Subscribe(Filter{Tables: []string{"orders"}})
	defer cancel()

	// Event on orders (should receive)
	hub.Publish(Event{Table: "orders", Op: wire.OpUpdate})

	select {
	case ev := <-events:
		if ev.Table != "orders" {
			t.Errorf("expected orders, got %s", ev.Table)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	// Event on users (should NOT receive)
	hub.Publish(Event{Table: "users", Op: wire.OpUpdate})

	select {
	case ev := <-events:
		t.Errorf("should not receive event for %s", ev.Table)
	case <-time.After(50 * time.Millisecond):
		// Expected - no event
	}
}

func TestHub_FilterByConditionHash(t *testing.T) {
	hub := NewHub()

	events, cancel := hub.Subscribe(Filter{Tables: []string{"orders"}, Hashes: []string{"aaaa"}})
	defer cancel()

	hub.Publish(Event{Table: "orders", Op: wire.OpInsert, Hash: "aaaa"})
	hub.Publish(Event{Table: "orders", Op: wire.OpInsert, Hash: "bbbb"}) // Should be filtered out

	select {
	case ev := <-events:
		if ev.Hash != "aaaa" {
			t.Errorf("expected hash aaaa, got %s", ev.Hash)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	select {
	case ev := <-events:
		t.Errorf("should not receive event for hash %s", ev.Hash)
	case <-time.After(50 * time.Millisecond):
		// Expected
	}
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := NewHub()

	events1, cancel1 := hub.Subscribe(Filter{})
	defer cancel1()
	events2, cancel2 := hub.Subscribe(Filter{Tables: []string{"orders"}})
	defer cancel2()

	hub.Publish(Event{Table: "orders", Op: wire.OpDelete})

	for i, events := range []<-chan Event{events1, events2} {
		select {
		case <-events:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d did not receive event", i+1)
		}
	}
}

func TestHub_CancelIdempotent(t *testing.T) {
	hub := NewHub()

	events, cancel := hub.Subscribe(Filter{})
	cancel()
	cancel() // Second cancel must not panic

	// Channel is closed after cancel
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic
	hub.Publish(Event{Table: "orders"})
}

func TestHub_DropsWhenBufferFull(t *testing.T) {
	hub := NewHub()

	events, cancel := hub.Subscribe(Filter{})
	defer cancel()

	// Overfill the buffer without draining; Publish must never block
	for i := 0; i < defaultEventBufferSize*2; i++ {
		hub.Publish(Event{Table: "orders", Op: wire.OpInsert})
	}

	received := 0
	for {
		select {
		case <-events:
			received++
		default:
			if received != defaultEventBufferSize {
				t.Errorf("expected %d buffered events, got %d", defaultEventBufferSize, received)
			}
			return
		}
	}
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	hub := NewHub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, cancel := hub.Subscribe(Filter{})
			for j := 0; j < 50; j++ {
				hub.Publish(Event{Table: "orders"})
				select {
				case <-events:
				default:
				}
			}
			cancel()
		}()
	}
	wg.Wait()
}
