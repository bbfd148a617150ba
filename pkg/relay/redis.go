package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/orders"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RedisRelay joins the hubs of several order service instances over a Redis
// channel. Local events are published with this instance's origin; remote
// events are handed to the local hub. Subscribers still see per-order
// revisions in order because each subscription drops stale revisions.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	local   orders.Publisher
	logger  *zap.Logger

	queue   chan models.OrderEvent
	dropped atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
}

var _ orders.Publisher = (*RedisRelay)(nil)

func NewRedisRelay(client *redis.Client, channel string, local orders.Publisher, buffer int, logger *zap.Logger) *RedisRelay {
	if buffer < 1 {
		buffer = 1
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		logger:  logger,
		queue:   make(chan models.OrderEvent, buffer),
		ready:   make(chan struct{}),
	}
}

func (r *RedisRelay) Origin() string {
	return r.origin
}

// Ready is closed once the relay is subscribed to the channel.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

func (r *RedisRelay) Dropped() int64 {
	return r.dropped.Load()
}

// Publish queues a local event for the other instances. It never blocks.
func (r *RedisRelay) Publish(ev models.OrderEvent) {
	select {
	case r.queue <- ev:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("Relay buffer full, event not forwarded",
			zap.String("order_id", ev.Order.ID),
			zap.Int64("revision", ev.Revision),
			zap.Int64("dropped_total", n))
	}
}

// Run forwards events in both directions until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("Relay subscribed", zap.String("channel", r.channel), zap.String("origin", r.origin))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-r.queue:
				r.send(ctx, ev)
			}
		}
	})
	g.Go(func() error {
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-msgs:
				if !ok {
					return nil
				}
				r.receive(msg.Payload)
			}
		}
	})
	return g.Wait()
}

func (r *RedisRelay) send(ctx context.Context, ev models.OrderEvent) {
	ev.Origin = r.origin
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("Failed to encode event", zap.String("order_id", ev.Order.ID), zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil && ctx.Err() == nil {
		r.logger.Warn("Failed to relay event", zap.String("order_id", ev.Order.ID), zap.Error(err))
	}
}

func (r *RedisRelay) receive(payload string) {
	var ev models.OrderEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn("Dropping malformed relay message", zap.Error(err))
		return
	}
	if ev.Origin == r.origin {
		return
	}
	r.local.Publish(ev)
}
