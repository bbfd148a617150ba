package hub

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/models"
	"go.uber.org/zap/zaptest"
)

func newTestHub(t *testing.T, depth int) *Hub {
	t.Helper()
	h := New(config.HubConfig{QueueDepth: depth}, zaptest.NewLogger(t))
	t.Cleanup(h.Close)
	return h
}

func event(id, table string, status, previous models.Status, rev int64) models.OrderEvent {
	return models.OrderEvent{
		Type:     models.EventOrderUpdated,
		Order:    models.Order{ID: id, Table: table, Status: status, Revision: rev},
		Previous: previous,
		Revision: rev,
	}
}

func receive(t *testing.T, sub *Subscription) models.OrderEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.OrderEvent{}
}

func expectNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopicsFor(t *testing.T) {
	tests := []struct {
		name        string
		ev          models.OrderEvent
		wantKitchen bool
	}{
		{"live order", event("a", "5", models.StatusPreparing, models.StatusAssigned, 3), true},
		{"order just cancelled", event("a", "5", models.StatusCancelled, models.StatusPlaced, 2), true},
		{"terminal replay", event("a", "5", models.StatusCompleted, models.StatusCompleted, 6), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topics := TopicsFor(tt.ev)
			has := map[string]bool{}
			for _, topic := range topics {
				has[topic] = true
			}
			if !has[TopicSupplier] || !has["table:5"] {
				t.Fatalf("missing supplier/table topic in %v", topics)
			}
			if has[TopicKitchen] != tt.wantKitchen {
				t.Fatalf("kitchen = %v, want %v", has[TopicKitchen], tt.wantKitchen)
			}
		})
	}
}

func TestPublishFansOutByTopic(t *testing.T) {
	h := newTestHub(t, 8)

	kitchen, _ := h.Subscribe(TopicKitchen)
	supplier, _ := h.Subscribe(TopicSupplier)
	table5, _ := h.Subscribe(TableTopic("5"))
	table6, _ := h.Subscribe(TableTopic("6"))

	h.Publish(event("a", "5", models.StatusPlaced, "", 1))

	for _, sub := range []*Subscription{kitchen, supplier, table5} {
		if ev := receive(t, sub); ev.Order.ID != "a" {
			t.Fatalf("%s: got order %q", sub.Topic(), ev.Order.ID)
		}
	}
	expectNothing(t, table6)
}

func TestSubscribeRejectsBadTopic(t *testing.T) {
	h := newTestHub(t, 8)
	for _, topic := range []string{"", "admin", "table:"} {
		if _, err := h.Subscribe(topic); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("Subscribe(%q) err = %v", topic, err)
		}
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	h := newTestHub(t, 8)

	h.Publish(event("a", "5", models.StatusPlaced, "", 1))
	sub, err := h.Subscribe(TopicSupplier)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	expectNothing(t, sub)

	h.Publish(event("a", "5", models.StatusAssigned, models.StatusPlaced, 2))
	if ev := receive(t, sub); ev.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", ev.Revision)
	}
}

func TestStaleRevisionsAreDiscarded(t *testing.T) {
	h := newTestHub(t, 8)
	sub, _ := h.Subscribe(TopicSupplier)

	h.Publish(event("a", "5", models.StatusPreparing, models.StatusAssigned, 3))
	if ev := receive(t, sub); ev.Revision != 3 {
		t.Fatalf("expected revision 3, got %d", ev.Revision)
	}

	h.Publish(event("a", "5", models.StatusAssigned, models.StatusPlaced, 2))
	h.Publish(event("a", "5", models.StatusPreparing, models.StatusAssigned, 3))
	h.Publish(event("a", "5", models.StatusReady, models.StatusPreparing, 4))

	if ev := receive(t, sub); ev.Revision != 4 || ev.Order.Status != models.StatusReady {
		t.Fatalf("expected revision 4 ready, got %d %s", ev.Revision, ev.Order.Status)
	}
	expectNothing(t, sub)
}

func TestRevisionsNeverRegressPerOrder(t *testing.T) {
	h := newTestHub(t, 4)
	sub, _ := h.Subscribe(TopicSupplier)

	for rev := int64(1); rev <= 50; rev++ {
		h.Publish(event("a", "5", models.StatusPreparing, models.StatusAssigned, rev))
	}

	var last int64
	for last < 50 {
		ev := receive(t, sub)
		if ev.Revision <= last {
			t.Fatalf("revision regressed: %d after %d", ev.Revision, last)
		}
		last = ev.Revision
	}
}

func TestSlowSubscriberKeepsNewest(t *testing.T) {
	h := newTestHub(t, 2)
	sub, _ := h.Subscribe(TopicSupplier)

	done := make(chan struct{})
	go func() {
		for _, id := range []string{"a", "b", "c", "d"} {
			h.Publish(event(id, "5", models.StatusPlaced, "", 1))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	var got []string
	for {
		ev := receive(t, sub)
		got = append(got, ev.Order.ID)
		if ev.Order.ID == "d" {
			break
		}
	}
	if got[0] != "a" {
		t.Fatalf("expected oldest event first, got %v", got)
	}
	if len(got) == 4 {
		t.Fatalf("expected some events to be dropped, got %v", got)
	}
	if sub.Dropped() == 0 {
		t.Fatal("expected drop counter to be incremented")
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	h := New(config.HubConfig{QueueDepth: 4}, zaptest.NewLogger(t))
	sub, _ := h.Subscribe(TopicKitchen)
	other, _ := h.Subscribe(TopicKitchen)

	other.Close()
	other.Close()
	if n := h.Subscribers(TopicKitchen); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	h.Close()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}

	if _, err := h.Subscribe(TopicKitchen); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// publishing after close is a no-op
	h.Publish(event("a", "5", models.StatusPlaced, "", 1))
}

func TestFinishedOrdersAreForgotten(t *testing.T) {
	h := New(config.HubConfig{QueueDepth: 8, Tombstones: 16}, zaptest.NewLogger(t))
	t.Cleanup(h.Close)
	sub, _ := h.Subscribe(TopicSupplier)

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("order-%d", i)
		h.Publish(event(id, "5", models.StatusPlaced, "", 1))
		receive(t, sub)
		h.Publish(event(id, "5", models.StatusCancelled, models.StatusPlaced, 2))
		receive(t, sub)
	}

	sub.mu.Lock()
	live, finished := len(sub.delivered), sub.finished.Len()
	sub.mu.Unlock()
	if live != 0 {
		t.Fatalf("expected no live revisions, got %d", live)
	}
	if finished > 16 {
		t.Fatalf("expected at most 16 finished orders, got %d", finished)
	}

	// a late update for a recently finished order must not resurrect it
	h.Publish(event("order-499", "5", models.StatusPlaced, "", 1))
	expectNothing(t, sub)
}
