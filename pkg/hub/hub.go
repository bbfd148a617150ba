package hub

import (
	"errors"
	"strings"
	"sync"

	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/models"
	"go.uber.org/zap"
)

// Topics
const (
	TopicKitchen  = "kitchen"
	TopicSupplier = "supplier"
	tablePrefix   = "table:"
)

var (
	ErrClosed       = errors.New("hub: closed")
	ErrInvalidTopic = errors.New("hub: invalid topic")
)

// TableTopic is the topic that follows one table's orders.
func TableTopic(table string) string {
	return tablePrefix + table
}

// ValidTopic reports whether topic can be subscribed to.
func ValidTopic(topic string) bool {
	switch topic {
	case TopicKitchen, TopicSupplier:
		return true
	}
	return strings.HasPrefix(topic, tablePrefix) && len(topic) > len(tablePrefix)
}

// TopicsFor returns the topics an event is delivered on.
func TopicsFor(ev models.OrderEvent) []string {
	topics := []string{TopicSupplier, TableTopic(ev.Order.Table)}
	// The kitchen only follows live orders, but it must see the event that
	// ends one so its queue can drop it.
	if !ev.Order.Status.Terminal() || !ev.Previous.Terminal() {
		topics = append(topics, TopicKitchen)
	}
	return topics
}

// Hub fans committed order snapshots out to topic subscribers. Publish never
// blocks; each subscription absorbs backpressure in its own bounded queue.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool

	depth      int
	tombstones int
	logger     *zap.Logger
}

func New(cfg config.HubConfig, logger *zap.Logger) *Hub {
	depth := cfg.QueueDepth
	if depth < 1 {
		depth = 1
	}
	return &Hub{
		topics:     make(map[string]map[*Subscription]struct{}),
		depth:      depth,
		tombstones: cfg.Tombstones,
		logger:     logger,
	}
}

// Subscribe joins topic. Only events published after Subscribe returns are
// delivered; callers fetch current state separately.
func (h *Hub) Subscribe(topic string) (*Subscription, error) {
	if !ValidTopic(topic) {
		return nil, ErrInvalidTopic
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	sub := newSubscription(h, topic, h.depth, h.tombstones)
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	go sub.run()

	h.logger.Debug("Subscriber joined", zap.String("topic", topic), zap.Int("subscribers", len(subs)))
	return sub, nil
}

// Publish delivers ev to every current subscriber of its topics.
func (h *Hub) Publish(ev models.OrderEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for _, topic := range TopicsFor(ev) {
		for sub := range h.topics[topic] {
			if dropped := sub.offer(ev); dropped {
				h.logger.Debug("Subscriber queue full, dropped pending event",
					zap.String("topic", topic),
					zap.String("order_id", ev.Order.ID),
					zap.Int64("dropped_total", sub.Dropped()))
			}
		}
	}
}

// Subscribers returns the number of current subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close ends every subscription. Later Subscribe calls fail with ErrClosed and
// later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for _, set := range h.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.topics = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	h.logger.Info("Hub closed", zap.Int("subscriptions", len(subs)))
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.topics[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.topics, sub.topic)
		}
	}
}
