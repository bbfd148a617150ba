package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/example/tableside/pkg/apperrors"
	"github.com/example/tableside/pkg/clock"
	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/statemachine"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service owns every order mutation. Each one is a read, a state machine
// decision and a revision-checked write, retried a bounded number of times.
type Service struct {
	store      Store
	catalog    MenuCatalog
	staff      StaffDirectory
	auditor    Auditor
	publishers []Publisher
	clock      clock.Clock
	cfg        config.OrdersConfig
	logger     *zap.Logger
}

type Option func(*Service)

func WithCatalog(c MenuCatalog) Option {
	return func(s *Service) { s.catalog = c }
}

func WithStaffDirectory(d StaffDirectory) Option {
	return func(s *Service) { s.staff = d }
}

func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// WithPublisher adds publishers; every committed event reaches all of them.
func WithPublisher(p ...Publisher) Option {
	return func(s *Service) { s.publishers = append(s.publishers, p...) }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func NewService(store Store, cfg config.OrdersConfig, logger *zap.Logger, opts ...Option) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	s := &Service{
		store:  store,
		clock:  clock.NewSystem(),
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ItemInput struct {
	MenuItemID string  `json:"menu_item_id,omitempty"`
	Name       string  `json:"name,omitempty"`
	UnitPrice  float64 `json:"unit_price,omitempty"`
	Quantity   int     `json:"quantity"`
}

type PlaceOrderInput struct {
	Table string      `json:"table"`
	Items []ItemInput `json:"items"`
}

type AddItemsInput struct {
	OrderID string      `json:"order_id"`
	Items   []ItemInput `json:"items"`
	// AmountDelta, when non-zero, must match the total of Items.
	AmountDelta float64 `json:"amount_delta,omitempty"`
}

type UpdateStatusInput struct {
	OrderID string        `json:"order_id"`
	Target  models.Status `json:"target"`
	Actor   models.Role   `json:"actor"`
	Chef    string        `json:"chef,omitempty"`
}

// PlaceOrder opens an order for a table. When the table already has an active
// order the items are merged into it, or rejected under the reject policy.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*models.Order, error) {
	const op = "PlaceOrder"

	table := strings.TrimSpace(in.Table)
	if table == "" {
		return nil, apperrors.WithOp(apperrors.Validation(apperrors.CodeInvalidRequest, "A table is required."), op, "")
	}
	items, total, err := s.snapshotItems(ctx, in.Items)
	if err != nil {
		return nil, apperrors.WithOp(err, op, "")
	}

	existing, err := s.findActive(ctx, op, table)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.placeIntoActive(ctx, op, existing, items, total)
	}

	now := s.clock.Now()
	order := &models.Order{
		ID:            uuid.NewString(),
		Table:         table,
		Items:         items,
		TotalAmount:   total,
		Status:        models.StatusPlaced,
		PaymentStatus: models.PaymentPending,
		Revision:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	order.StatusTimestamps.Stamp(models.StatusPlaced, now)

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	_, err = s.store.Create(sctx, order)
	cancel()
	if errors.Is(err, ErrActiveOrderExists) {
		// another placement for the same table won the race
		existing, ferr := s.findActive(ctx, op, table)
		if ferr != nil {
			return nil, ferr
		}
		if existing == nil {
			return nil, s.concurrencyErr(op, "")
		}
		return s.placeIntoActive(ctx, op, existing, items, total)
	}
	if err != nil {
		return nil, s.storeErr(op, order.ID, err)
	}

	s.logger.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("table", table),
		zap.Int("item_count", len(items)),
		zap.Float64("total_amount", total))

	s.committed(ctx, "place_order", models.RoleCustomer, nil, order)
	return order.Clone(), nil
}

func (s *Service) placeIntoActive(ctx context.Context, op string, existing *models.Order, items []models.OrderItem, total float64) (*models.Order, error) {
	if s.cfg.PlacementPolicy == config.PlacementReject {
		err := apperrors.Conflict(existing.Status, existing.Status, apperrors.CodeActiveOrderExists,
			fmt.Sprintf("Table %s already has an active order.", existing.Table))
		return nil, apperrors.WithOp(err, op, existing.ID)
	}
	s.logger.Debug("Merging placement into active order",
		zap.String("order_id", existing.ID),
		zap.String("table", existing.Table))
	return s.appendItems(ctx, op, existing.ID, items, total)
}

// AddItems appends items to an order the kitchen has not finished yet.
func (s *Service) AddItems(ctx context.Context, in AddItemsInput) (*models.Order, error) {
	const op = "AddItems"

	items, delta, err := s.snapshotItems(ctx, in.Items)
	if err != nil {
		return nil, apperrors.WithOp(err, op, in.OrderID)
	}
	if in.AmountDelta != 0 && !sameAmount(in.AmountDelta, delta) {
		err := apperrors.Validation(apperrors.CodeAmountMismatch,
			"Amount %.2f does not match the items total %.2f.", in.AmountDelta, delta)
		return nil, apperrors.WithOp(err, op, in.OrderID)
	}
	return s.appendItems(ctx, op, in.OrderID, items, delta)
}

func (s *Service) appendItems(ctx context.Context, op, id string, items []models.OrderItem, delta float64) (*models.Order, error) {
	return s.mutate(ctx, op, id, "add_items", models.RoleCustomer, func(o *models.Order) (bool, error) {
		if err := statemachine.CanAddItems(o.Status); err != nil {
			return false, err
		}
		o.Items = append(o.Items, items...)
		o.TotalAmount = roundAmount(o.TotalAmount + delta)
		return true, nil
	})
}

// UpdateStatus moves an order to in.Target. Asking for the current status
// succeeds without writing anything.
func (s *Service) UpdateStatus(ctx context.Context, in UpdateStatusInput) (*models.Order, error) {
	const op = "UpdateStatus"

	chef := strings.TrimSpace(in.Chef)
	if in.Target == models.StatusAssigned && chef != "" {
		if err := s.checkChef(ctx, chef); err != nil {
			return nil, apperrors.WithOp(err, op, in.OrderID)
		}
	}

	return s.mutate(ctx, op, in.OrderID, "update_status", in.Actor, func(o *models.Order) (bool, error) {
		return statemachine.Apply(o, in.Target, in.Actor, chef, s.clock.Now())
	})
}

// CancelOrder is UpdateStatus to cancelled.
func (s *Service) CancelOrder(ctx context.Context, orderID string, actor models.Role) (*models.Order, error) {
	if actor == "" {
		actor = models.RoleCustomer
	}
	return s.UpdateStatus(ctx, UpdateStatusInput{OrderID: orderID, Target: models.StatusCancelled, Actor: actor})
}

func (s *Service) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.get(ctx, "GetOrder", id)
}

// GetActiveOrderForTable returns nil, nil when the table has no active order.
func (s *Service) GetActiveOrderForTable(ctx context.Context, table string) (*models.Order, error) {
	return s.findActive(ctx, "GetActiveOrderForTable", strings.TrimSpace(table))
}

func (s *Service) ListOrders(ctx context.Context, filter ListFilter) ([]*models.Order, error) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	orders, err := s.store.List(sctx, filter)
	if err != nil {
		return nil, s.storeErr("ListOrders", "", err)
	}
	return orders, nil
}

// OrderHistory returns the recorded mutations of an order, oldest first.
func (s *Service) OrderHistory(ctx context.Context, id string) ([]models.AuditEntry, error) {
	const op = "OrderHistory"
	if _, err := s.get(ctx, op, id); err != nil {
		return nil, err
	}
	if s.auditor == nil {
		return []models.AuditEntry{}, nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	entries, err := s.auditor.History(sctx, id)
	if err != nil {
		return nil, s.storeErr(op, id, err)
	}
	return entries, nil
}

func (s *Service) ListMenu(ctx context.Context) ([]models.MenuItem, error) {
	if s.catalog == nil {
		return []models.MenuItem{}, nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	menu, err := s.catalog.ListMenu(sctx)
	if err != nil {
		return nil, s.storeErr("ListMenu", "", err)
	}
	return menu, nil
}

// ListStaff lists staff members with role, e.g. the chefs an order can be assigned to.
func (s *Service) ListStaff(ctx context.Context, role string) ([]models.StaffMember, error) {
	if s.staff == nil {
		return []models.StaffMember{}, nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	staff, err := s.staff.ListUsersByRole(sctx, role)
	if err != nil {
		return nil, s.storeErr("ListStaff", "", err)
	}
	return staff, nil
}

// mutate loads the order, lets fn change a copy and writes it back if the
// revision is unchanged. fn returning false means there is nothing to write.
func (s *Service) mutate(ctx context.Context, op, id, action string, actor models.Role, fn func(*models.Order) (bool, error)) (*models.Order, error) {
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		cur, err := s.get(ctx, op, id)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		changed, err := fn(next)
		if err != nil {
			err = apperrors.WithOp(err, op, id)
			var oe *apperrors.OrderError
			if errors.As(err, &oe) {
				s.logger.Info("Order change rejected",
					zap.String("code", oe.Code),
					zap.String("detail", oe.Detail()),
					zap.String("actor", string(actor)))
			}
			return nil, err
		}
		if !changed {
			return cur, nil
		}
		next.Revision = cur.Revision + 1
		next.UpdatedAt = s.clock.Now()

		sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		err = s.store.CompareAndSwap(sctx, id, cur.Revision, next)
		cancel()
		if errors.Is(err, ErrRevisionConflict) {
			s.logger.Debug("Revision conflict, retrying",
				zap.String("op", op),
				zap.String("order_id", id),
				zap.Int64("revision", cur.Revision),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, s.storeErr(op, id, err)
		}

		s.logger.Info("Order updated",
			zap.String("op", op),
			zap.String("order_id", id),
			zap.String("from", string(cur.Status)),
			zap.String("to", string(next.Status)),
			zap.Int64("revision", next.Revision))

		s.committed(ctx, action, actor, cur, next)
		return next.Clone(), nil
	}
	return nil, s.concurrencyErr(op, id)
}

// committed records and publishes a write that is already durable. Nothing
// here can fail the operation.
func (s *Service) committed(ctx context.Context, action string, actor models.Role, prev, next *models.Order) {
	var from models.Status
	typ := models.EventNewOrder
	if prev != nil {
		from = prev.Status
		typ = models.EventOrderUpdated
	}
	now := s.clock.Now()

	if s.auditor != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
		err := s.auditor.Record(actx, models.AuditEntry{
			OrderID:  next.ID,
			Action:   action,
			From:     from,
			To:       next.Status,
			Actor:    actor,
			Chef:     next.AssignedChef,
			Revision: next.Revision,
			At:       now,
		})
		cancel()
		if err != nil {
			s.logger.Warn("Failed to record audit entry", zap.String("order_id", next.ID), zap.Error(err))
		}
	}

	ev := models.NewOrderEvent(typ, next, from, now)
	for _, p := range s.publishers {
		s.publish(p, ev)
	}
}

func (s *Service) publish(p Publisher, ev models.OrderEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Publisher panicked", zap.String("order_id", ev.Order.ID), zap.Any("panic", r))
		}
	}()
	p.Publish(ev)
}

func (s *Service) get(ctx context.Context, op, id string) (*models.Order, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.WithOp(apperrors.Validation(apperrors.CodeInvalidRequest, "An order id is required."), op, "")
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	o, err := s.store.Get(sctx, id)
	if err != nil {
		return nil, s.storeErr(op, id, err)
	}
	return o, nil
}

func (s *Service) findActive(ctx context.Context, op, table string) (*models.Order, error) {
	if table == "" {
		return nil, apperrors.WithOp(apperrors.Validation(apperrors.CodeInvalidRequest, "A table is required."), op, "")
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	o, err := s.store.FindActiveByTable(sctx, table)
	if err != nil {
		return nil, s.storeErr(op, "", err)
	}
	return o, nil
}

func (s *Service) checkChef(ctx context.Context, chef string) error {
	if s.staff == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	chefs, err := s.staff.ListUsersByRole(sctx, models.StaffRoleChef)
	if err != nil {
		return s.storeErr("UpdateStatus", "", err)
	}
	for _, c := range chefs {
		if c.ID == chef {
			return nil
		}
	}
	return apperrors.Validation(apperrors.CodeUnknownChef, "%s is not a chef on staff.", chef)
}

func (s *Service) snapshotItems(ctx context.Context, in []ItemInput) ([]models.OrderItem, float64, error) {
	if len(in) == 0 {
		return nil, 0, apperrors.Validation(apperrors.CodeEmptyItems, "Order must contain at least one item.")
	}

	items := make([]models.OrderItem, 0, len(in))
	var total float64
	for i, it := range in {
		if it.Quantity < 1 {
			return nil, 0, apperrors.Validation(apperrors.CodeInvalidItem, "Item %d: quantity must be at least 1.", i+1)
		}
		item := models.OrderItem{
			MenuItemID: it.MenuItemID,
			Name:       strings.TrimSpace(it.Name),
			UnitPrice:  it.UnitPrice,
			Quantity:   it.Quantity,
		}

		if it.MenuItemID != "" && s.catalog != nil {
			sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
			menu, err := s.catalog.GetMenuItem(sctx, it.MenuItemID)
			cancel()
			if errors.Is(err, ErrMenuItemNotFound) {
				return nil, 0, apperrors.NotFound(apperrors.CodeMenuItemNotFound, "Menu item %s does not exist.", it.MenuItemID)
			}
			if err != nil {
				return nil, 0, s.storeErr("GetMenuItem", "", err)
			}
			if !menu.Available {
				return nil, 0, apperrors.Validation(apperrors.CodeInvalidItem, "%s is not available right now.", menu.Name)
			}
			item.Name = menu.Name
			item.UnitPrice = menu.Price
		}

		if item.Name == "" {
			return nil, 0, apperrors.Validation(apperrors.CodeInvalidItem, "Item %d: a name is required.", i+1)
		}
		if item.UnitPrice < 0 || math.IsNaN(item.UnitPrice) || math.IsInf(item.UnitPrice, 0) {
			return nil, 0, apperrors.Validation(apperrors.CodeInvalidItem, "Item %d: price must not be negative.", i+1)
		}
		items = append(items, item)
		total += item.Subtotal()
	}
	return items, roundAmount(total), nil
}

func (s *Service) storeErr(op, id string, err error) error {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return &apperrors.OrderError{
			Kind:    apperrors.ErrNotFound,
			Code:    apperrors.CodeOrderNotFound,
			Op:      op,
			OrderID: id,
			Reason:  "Order not found.",
		}
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("Store timed out", zap.String("op", op), zap.String("order_id", id), zap.Error(err))
		return &apperrors.OrderError{
			Kind:    apperrors.ErrStoreTimeout,
			Code:    apperrors.CodeStoreTimeout,
			Op:      op,
			OrderID: id,
			Reason:  "The order store did not answer in time. Please retry.",
		}
	}
	return fmt.Errorf("orders.%s: %w", op, err)
}

func (s *Service) concurrencyErr(op, id string) error {
	s.logger.Warn("Giving up after revision conflicts",
		zap.String("op", op),
		zap.String("order_id", id),
		zap.Int("attempts", s.cfg.MaxAttempts))
	return &apperrors.OrderError{
		Kind:    apperrors.ErrConcurrency,
		Code:    apperrors.CodeConcurrentUpdate,
		Op:      op,
		OrderID: id,
		Reason:  "The order was changed by someone else at the same time. Please retry.",
	}
}

func roundAmount(v float64) float64 {
	return math.Round(v*100) / 100
}

func sameAmount(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}
