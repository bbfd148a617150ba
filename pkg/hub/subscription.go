package hub

import (
	"sync"
	"sync/atomic"

	"github.com/example/tableside/pkg/models"
)

// Subscription is one observer's view of a topic. Pending events are
// coalesced per order so a slow reader always catches up to the newest state.
type Subscription struct {
	topic string
	hub   *Hub

	mu      sync.Mutex
	pending []models.OrderEvent
	depth   int
	// last revision handed to the reader, per live order
	delivered map[string]int64
	finished  *Tombstones

	notify  chan struct{}
	out     chan models.OrderEvent
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newSubscription(h *Hub, topic string, depth, tombstones int) *Subscription {
	return &Subscription{
		topic:     topic,
		hub:       h,
		depth:     depth,
		delivered: make(map[string]int64),
		finished:  NewTombstones(tombstones),
		notify:    make(chan struct{}, 1),
		out:       make(chan models.OrderEvent),
		done:      make(chan struct{}),
	}
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Events is closed when the subscription or the hub is closed.
func (s *Subscription) Events() <-chan models.OrderEvent {
	return s.out
}

// Done is closed when the subscription or the hub is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped counts events evicted because the queue was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close leaves the topic. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

// offer enqueues ev and reports whether an older pending event was evicted.
func (s *Subscription) offer(ev models.OrderEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return false
	default:
	}

	id := ev.Order.ID
	if s.stale(ev) {
		return false
	}
	for i := range s.pending {
		if s.pending[i].Order.ID == id {
			if ev.Revision > s.pending[i].Revision {
				s.pending[i] = ev
			}
			return false
		}
	}

	evicted := false
	if len(s.pending) >= s.depth {
		// keep the head, which is next in line, and give up the one behind it
		victim := 0
		if len(s.pending) > 1 {
			victim = 1
		}
		s.pending = append(s.pending[:victim], s.pending[victim+1:]...)
		s.dropped.Add(1)
		evicted = true
	}
	s.pending = append(s.pending, ev)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return evicted
}

// next pops the head of the queue, skipping anything already superseded.
func (s *Subscription) next() (models.OrderEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		if s.stale(ev) {
			continue
		}
		if ev.Order.Status.Terminal() {
			delete(s.delivered, ev.Order.ID)
			s.finished.Add(ev.Order.ID, ev.Revision)
		} else {
			s.delivered[ev.Order.ID] = ev.Revision
		}
		return ev, true
	}
	return models.OrderEvent{}, false
}

// stale reports whether the reader already has ev or something newer.
// Callers hold s.mu.
func (s *Subscription) stale(ev models.OrderEvent) bool {
	return ev.Revision <= s.delivered[ev.Order.ID] || s.finished.Covers(ev.Order.ID, ev.Revision)
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		ev, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
