package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/orders"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// RoutingKey is order.<status>, so consumers can bind e.g. order.ready.
func RoutingKey(ev models.OrderEvent) string {
	return "order." + string(ev.Order.Status)
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher sends committed order events to a topic exchange for
// consumers outside this service.
type RabbitPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	logger   *zap.Logger

	queue   chan models.OrderEvent
	dropped atomic.Int64
}

var _ orders.Publisher = (*RabbitPublisher)(nil)

func DialRabbitMQ(cfg *config.RabbitMQConfig, buffer int, logger *zap.Logger) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	p := newRabbitPublisher(ch, cfg.Exchange, buffer, logger)
	p.conn = conn
	return p, nil
}

func newRabbitPublisher(ch amqpChannel, exchange string, buffer int, logger *zap.Logger) *RabbitPublisher {
	if buffer < 1 {
		buffer = 1
	}
	return &RabbitPublisher{
		ch:       ch,
		exchange: exchange,
		logger:   logger,
		queue:    make(chan models.OrderEvent, buffer),
	}
}

// Publish queues ev for Run. It never blocks.
func (p *RabbitPublisher) Publish(ev models.OrderEvent) {
	select {
	case p.queue <- ev:
	default:
		n := p.dropped.Add(1)
		p.logger.Warn("RabbitMQ buffer full, event not published",
			zap.String("order_id", ev.Order.ID),
			zap.Int64("dropped_total", n))
	}
}

func (p *RabbitPublisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *RabbitPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			if err := p.send(ctx, ev); err != nil && ctx.Err() == nil {
				p.logger.Warn("Failed to publish order event",
					zap.String("order_id", ev.Order.ID),
					zap.String("routing_key", RoutingKey(ev)),
					zap.Error(err))
			}
		}
	}
}

func (p *RabbitPublisher) send(ctx context.Context, ev models.OrderEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(ctx,
		p.exchange,     // exchange
		RoutingKey(ev), // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    fmt.Sprintf("%s:%d", ev.Order.ID, ev.Revision),
			Timestamp:    ev.At,
			Type:         string(ev.Type),
			Body:         body,
		})
}

func (p *RabbitPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		return fmt.Errorf("close rabbitmq channel: %w", err)
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}
