package observer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/tableside/pkg/apperrors"
	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/hub"
	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/orders"
	"go.uber.org/zap"
)

const resubscribeDelay = time.Second

// Board is an observer's locally converged view of the orders it follows.
// The view lives in an actor; stream events and resyncs are messages to it,
// so it never needs a lock and never moves an order back to an older revision.
type Board struct {
	name  string
	topic string
	api   orders.API
	keep  func(*models.Order) bool
	seed  func(ctx context.Context, api orders.API) ([]*models.Order, error)

	system   *actor.ActorSystem
	cfg      config.ObserverConfig
	logger   *zap.Logger
	onChange func([]models.Order)

	mu     sync.Mutex
	pid    *actor.PID
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Board)

// WithOnChange is called from the board's actor after every change to the view.
func WithOnChange(fn func([]models.Order)) Option {
	return func(b *Board) { b.onChange = fn }
}

// NewKitchenBoard follows every order the kitchen still has to work on.
func NewKitchenBoard(api orders.API, system *actor.ActorSystem, cfg config.ObserverConfig, logger *zap.Logger, opts ...Option) *Board {
	return newBoard("kitchen", hub.TopicKitchen, api, system, cfg, logger,
		func(o *models.Order) bool { return o.Active() },
		func(ctx context.Context, api orders.API) ([]*models.Order, error) {
			return api.ListOrders(ctx, orders.ListFilter{ActiveOnly: true})
		}, opts)
}

// NewSupplierBoard follows all orders, finished ones included, for
// assignment and billing.
func NewSupplierBoard(api orders.API, system *actor.ActorSystem, cfg config.ObserverConfig, logger *zap.Logger, opts ...Option) *Board {
	return newBoard("supplier", hub.TopicSupplier, api, system, cfg, logger,
		func(*models.Order) bool { return true },
		func(ctx context.Context, api orders.API) ([]*models.Order, error) {
			return api.ListOrders(ctx, orders.ListFilter{})
		}, opts)
}

// NewTableTracker follows one table, as the customer's tracking page does.
func NewTableTracker(table string, api orders.API, system *actor.ActorSystem, cfg config.ObserverConfig, logger *zap.Logger, opts ...Option) *Board {
	return newBoard("table:"+table, hub.TableTopic(table), api, system, cfg, logger,
		func(o *models.Order) bool { return o.Table == table },
		func(ctx context.Context, api orders.API) ([]*models.Order, error) {
			o, err := api.GetActiveOrderForTable(ctx, table)
			if err != nil || o == nil {
				return nil, err
			}
			return []*models.Order{o}, nil
		}, opts)
}

func newBoard(
	name, topic string,
	api orders.API,
	system *actor.ActorSystem,
	cfg config.ObserverConfig,
	logger *zap.Logger,
	keep func(*models.Order) bool,
	seed func(context.Context, orders.API) ([]*models.Order, error),
	opts []Option,
) *Board {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	b := &Board{
		name:   name,
		topic:  topic,
		api:    api,
		keep:   keep,
		seed:   seed,
		system: system,
		cfg:    cfg,
		logger: logger.With(zap.String("board", name)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Board) Name() string {
	return b.name
}

// Start subscribes, then loads current state, so nothing committed between
// the two is missed. The board runs until ctx ends or Stop is called.
func (b *Board) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pid != nil {
		return fmt.Errorf("board %s already started", b.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	events, err := b.api.Watch(ctx, b.topic)
	if err != nil {
		cancel()
		return fmt.Errorf("watch %s: %w", b.topic, err)
	}

	props := actor.PropsFromProducer(func() actor.Actor {
		return &boardActor{keep: b.keep, onChange: b.onChange, logger: b.logger}
	})
	b.pid = b.system.Root.Spawn(props)
	b.cancel = cancel

	if err := b.resync(ctx); err != nil {
		b.stopLocked()
		return fmt.Errorf("load %s board: %w", b.name, err)
	}

	b.wg.Add(1)
	go b.follow(ctx, events)

	if b.cfg.PollInterval > 0 {
		b.wg.Add(1)
		go b.poll(ctx)
	}

	b.logger.Info("Board started", zap.String("topic", b.topic), zap.Duration("poll_interval", b.cfg.PollInterval))
	return nil
}

// Stop ends the subscription and the actor.
func (b *Board) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Board) stopLocked() {
	if b.pid == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	if err := b.system.Root.StopFuture(b.pid).Wait(); err != nil {
		b.logger.Warn("Failed to stop board actor", zap.Error(err))
	}
	b.pid = nil
	b.logger.Info("Board stopped")
}

// Snapshot returns the current view ordered by placement time.
func (b *Board) Snapshot(ctx context.Context) ([]models.Order, error) {
	b.mu.Lock()
	pid := b.pid
	b.mu.Unlock()
	if pid == nil {
		return nil, fmt.Errorf("board %s is not running", b.name)
	}
	return b.snapshot(ctx, pid)
}

// Latest returns the most recently placed order on the board, or nil. For a
// table tracker that is the order the customer is following.
func (b *Board) Latest(ctx context.Context) (*models.Order, error) {
	view, err := b.Snapshot(ctx)
	if err != nil || len(view) == 0 {
		return nil, err
	}
	return &view[len(view)-1], nil
}

func (b *Board) snapshot(ctx context.Context, pid *actor.PID) ([]models.Order, error) {
	timeout := b.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	res, err := b.system.Root.RequestFuture(pid, &getView{}, timeout).Result()
	if err != nil {
		return nil, fmt.Errorf("board %s: %w", b.name, err)
	}
	view, ok := res.(*viewResponse)
	if !ok {
		return nil, fmt.Errorf("board %s: unexpected reply %T", b.name, res)
	}
	return view.orders, nil
}

// follow feeds stream events to the actor. A stream that ends while the board
// is still running is reopened and followed by a resync.
func (b *Board) follow(ctx context.Context, events <-chan models.OrderEvent) {
	defer b.wg.Done()
	for {
		for ev := range events {
			b.system.Root.Send(b.pid, &applyEvent{order: ev.Order})
		}
		if ctx.Err() != nil {
			return
		}

		b.logger.Warn("Event stream ended, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}

		next, err := b.api.Watch(ctx, b.topic)
		if err != nil {
			b.logger.Warn("Resubscribe failed", zap.Error(err))
			events = closedEvents
			continue
		}
		events = next
		if err := b.resync(ctx); err != nil {
			b.logger.Warn("Resync failed", zap.Error(err))
		}
	}
}

var closedEvents = func() <-chan models.OrderEvent {
	ch := make(chan models.OrderEvent)
	close(ch)
	return ch
}()

func (b *Board) poll(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.resync(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("Poll failed", zap.Error(err))
			}
		}
	}
}

// resync loads current state. Orders on the board that the seed query no
// longer returns are fetched one by one so the actor sees their final revision.
func (b *Board) resync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	current, err := b.seed(ctx, b.api)
	if err != nil {
		return err
	}
	listed := make(map[string]bool, len(current))
	for _, o := range current {
		listed[o.ID] = true
	}

	view, err := b.snapshot(ctx, b.pid)
	if err != nil {
		return err
	}
	for _, o := range view {
		if listed[o.ID] {
			continue
		}
		fresh, err := b.api.GetOrder(ctx, o.ID)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		current = append(current, fresh)
	}

	snapshot := make([]models.Order, len(current))
	for i, o := range current {
		snapshot[i] = *o
	}
	b.system.Root.Send(b.pid, &applySnapshot{orders: snapshot})
	return nil
}

type applyEvent struct {
	order models.Order
}

type applySnapshot struct {
	orders []models.Order
}

type getView struct{}

type viewResponse struct {
	orders []models.Order
}

type boardActor struct {
	keep     func(*models.Order) bool
	onChange func([]models.Order)
	logger   *zap.Logger

	orders map[string]models.Order
	// final revisions of orders the board no longer shows
	finished *hub.Tombstones
}

func (a *boardActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.orders = make(map[string]models.Order)
		a.finished = hub.NewTombstones(hub.DefaultTombstones)

	case *applyEvent:
		if a.merge(msg.order) {
			a.changed()
		}

	case *applySnapshot:
		changed := false
		for _, o := range msg.orders {
			if a.merge(o) {
				changed = true
			}
		}
		if changed {
			a.changed()
		}

	case *getView:
		ctx.Respond(&viewResponse{orders: a.view()})

	case *actor.Stopped:
		a.logger.Debug("Board actor stopped", zap.Int("orders", len(a.orders)))
	}
}

func (a *boardActor) merge(o models.Order) bool {
	if a.finished.Covers(o.ID, o.Revision) {
		return false
	}
	cur, ok := a.orders[o.ID]
	if ok && o.Revision <= cur.Revision {
		return false
	}
	if a.keep(&o) {
		a.orders[o.ID] = o
		return true
	}
	if o.Status.Terminal() {
		a.finished.Add(o.ID, o.Revision)
	}
	if ok {
		delete(a.orders, o.ID)
		return true
	}
	return false
}

func (a *boardActor) changed() {
	if a.onChange != nil {
		a.onChange(a.view())
	}
}

func (a *boardActor) view() []models.Order {
	out := make([]models.Order, 0, len(a.orders))
	for _, o := range a.orders {
		out = append(out, *o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
