package orders

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/tableside/pkg/apperrors"
	"github.com/example/tableside/pkg/clock"
	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/hub"
	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/statemachine"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.OrderEvent
}

func (p *recordingPublisher) Publish(ev models.OrderEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) all() []models.OrderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.OrderEvent(nil), p.events...)
}

type panickyPublisher struct{}

func (panickyPublisher) Publish(models.OrderEvent) { panic("boom") }

type fixture struct {
	svc   *Service
	store *MemoryStore
	clock *clock.Manual
	pub   *recordingPublisher
}

func newFixture(t *testing.T, cfg config.OrdersConfig, opts ...Option) *fixture {
	t.Helper()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	f := &fixture{
		store: NewMemoryStore(),
		clock: clock.NewManual(t0),
		pub:   &recordingPublisher{},
	}
	opts = append([]Option{WithClock(f.clock), WithPublisher(f.pub)}, opts...)
	f.svc = NewService(f.store, cfg, zaptest.NewLogger(t), opts...)
	return f
}

func soup(qty int) []ItemInput {
	return []ItemInput{{Name: "Soup", UnitPrice: 6, Quantity: qty}}
}

func (f *fixture) place(t *testing.T, table string) *models.Order {
	t.Helper()
	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: table, Items: soup(1)})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return o
}

func (f *fixture) move(t *testing.T, id string, to models.Status, actor models.Role) *models.Order {
	t.Helper()
	in := UpdateStatusInput{OrderID: id, Target: to, Actor: actor}
	if to == models.StatusAssigned {
		in.Chef = "chef-1"
	}
	o, err := f.svc.UpdateStatus(context.Background(), in)
	if err != nil {
		t.Fatalf("move to %s: %v", to, err)
	}
	return o
}

func code(err error) string {
	var oe *apperrors.OrderError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})

	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: "5", Items: soup(2)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.TotalAmount != 12 {
		t.Fatalf("expected total 12, got %v", o.TotalAmount)
	}
	if o.Status != models.StatusPlaced || o.Revision != 1 || o.PaymentStatus != models.PaymentPending {
		t.Fatalf("unexpected order %+v", o)
	}
	if !o.StatusTimestamps.PlacedAt.Equal(t0) {
		t.Fatalf("expected placedAt %v, got %v", t0, o.StatusTimestamps.PlacedAt)
	}

	events := f.pub.all()
	if len(events) != 1 || events[0].Type != models.EventNewOrder || events[0].Order.ID != o.ID {
		t.Fatalf("expected one new_order event, got %+v", events)
	}

	active, err := f.svc.GetActiveOrderForTable(context.Background(), "5")
	if err != nil || active == nil || active.ID != o.ID {
		t.Fatalf("expected active order %s, got %v (%v)", o.ID, active, err)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})

	tests := []struct {
		name string
		in   PlaceOrderInput
		code string
	}{
		{"no table", PlaceOrderInput{Table: " ", Items: soup(1)}, apperrors.CodeInvalidRequest},
		{"no items", PlaceOrderInput{Table: "1"}, apperrors.CodeEmptyItems},
		{"zero quantity", PlaceOrderInput{Table: "1", Items: soup(0)}, apperrors.CodeInvalidItem},
		{"no name", PlaceOrderInput{Table: "1", Items: []ItemInput{{UnitPrice: 2, Quantity: 1}}}, apperrors.CodeInvalidItem},
		{"negative price", PlaceOrderInput{Table: "1", Items: []ItemInput{{Name: "Tea", UnitPrice: -1, Quantity: 1}}}, apperrors.CodeInvalidItem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), tt.in)
			if !apperrors.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if code(err) != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, code(err))
			}
		})
	}
	if n := len(f.pub.all()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestPlaceOrderMergesIntoActiveOrder(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{PlacementPolicy: config.PlacementMerge})

	first := f.place(t, "5")
	second, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		Table: "5",
		Items: []ItemInput{{Name: "Bread", UnitPrice: 2.5, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected merge into %s, got new order %s", first.ID, second.ID)
	}
	if len(second.Items) != 2 || second.TotalAmount != 11 || second.Revision != 2 {
		t.Fatalf("unexpected merged order %+v", second)
	}
}

func TestPlaceOrderRejectPolicy(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{PlacementPolicy: config.PlacementReject})

	first := f.place(t, "5")
	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: "5", Items: soup(1)})
	if !apperrors.IsConflict(err) || code(err) != apperrors.CodeActiveOrderExists {
		t.Fatalf("expected active_order_exists conflict, got %v", err)
	}

	// a finished order frees the table
	f.move(t, first.ID, models.StatusCancelled, models.RoleCustomer)
	if _, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: "5", Items: soup(1)}); err != nil {
		t.Fatalf("expected new order after cancel, got %v", err)
	}
}

func TestLifecycleTimestamps(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})
	o := f.place(t, "9")

	steps := []struct {
		to    models.Status
		actor models.Role
	}{
		{models.StatusAssigned, models.RoleSupplier},
		{models.StatusPreparing, models.RoleKitchen},
		{models.StatusReady, models.RoleKitchen},
		{models.StatusServed, models.RoleKitchen},
		{models.StatusCompleted, models.RoleSupplier},
	}
	stamped := map[models.Status]time.Time{}
	for _, step := range steps {
		now := f.clock.Advance(time.Minute)
		o = f.move(t, o.ID, step.to, step.actor)
		stamped[step.to] = now
		if o.Status != step.to {
			t.Fatalf("expected status %s, got %s", step.to, o.Status)
		}
	}

	for _, status := range []models.Status{models.StatusPreparing, models.StatusReady, models.StatusServed, models.StatusCompleted} {
		at := o.StatusTimestamps.At(status)
		if at == nil || !at.Equal(stamped[status]) {
			t.Fatalf("%s: expected %v, got %v", status, stamped[status], at)
		}
	}
	if o.AssignedChef != "chef-1" || o.PaymentStatus != models.PaymentPaid || o.Revision != 6 {
		t.Fatalf("unexpected final order %+v", o)
	}
	if n := len(f.pub.all()); n != 6 {
		t.Fatalf("expected 6 events, got %d", n)
	}
}

func TestUpdateStatusIsIdempotent(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})
	o := f.place(t, "1")
	f.move(t, o.ID, models.StatusAssigned, models.RoleSupplier)
	first := f.move(t, o.ID, models.StatusPreparing, models.RoleKitchen)

	f.clock.Advance(time.Minute)
	again := f.move(t, o.ID, models.StatusPreparing, models.RoleKitchen)
	if again.Revision != first.Revision {
		t.Fatalf("expected revision %d, got %d", first.Revision, again.Revision)
	}
	if !again.StatusTimestamps.PreparingAt.Equal(*first.StatusTimestamps.PreparingAt) {
		t.Fatal("preparingAt was rewritten")
	}
	if n := len(f.pub.all()); n != 3 {
		t.Fatalf("expected no event for the repeat, got %d events", n)
	}
}

func TestIllegalTransitionLeavesOrderUnchanged(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})
	o := f.place(t, "1")

	tests := []struct {
		name  string
		to    models.Status
		actor models.Role
		code  string
	}{
		{"skip ahead", models.StatusReady, models.RoleKitchen, apperrors.CodeInvalidTransition},
		{"wrong role", models.StatusAssigned, models.RoleKitchen, apperrors.CodeRoleNotAllowed},
		{"unknown role", models.StatusAssigned, "waiter", apperrors.CodeRoleNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UpdateStatus(context.Background(), UpdateStatusInput{OrderID: o.ID, Target: tt.to, Actor: tt.actor, Chef: "chef-1"})
			if !apperrors.IsInvalidTransition(err) || code(err) != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}

	_, err := f.svc.UpdateStatus(context.Background(), UpdateStatusInput{OrderID: o.ID, Target: models.StatusAssigned, Actor: models.RoleSupplier})
	if !apperrors.IsValidation(err) || code(err) != apperrors.CodeChefRequired {
		t.Fatalf("expected chef_required, got %v", err)
	}

	got, _ := f.svc.GetOrder(context.Background(), o.ID)
	if got.Revision != 1 || got.Status != models.StatusPlaced {
		t.Fatalf("order changed: %+v", got)
	}
}

func TestCancelAfterReadyConflicts(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})
	o := f.place(t, "1")
	f.move(t, o.ID, models.StatusAssigned, models.RoleSupplier)
	f.move(t, o.ID, models.StatusPreparing, models.RoleKitchen)
	f.move(t, o.ID, models.StatusReady, models.RoleKitchen)

	_, err := f.svc.CancelOrder(context.Background(), o.ID, "")
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err.Error() != statemachine.ReasonAlreadyServed {
		t.Fatalf("expected %q, got %q", statemachine.ReasonAlreadyServed, err.Error())
	}
	if apperrors.IsRetryable(err) {
		t.Fatal("conflict must not be retryable")
	}
}

func TestTerminalOrderRejectsChanges(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})
	o := f.place(t, "1")
	f.move(t, o.ID, models.StatusCancelled, models.RoleCustomer)

	_, err := f.svc.UpdateStatus(context.Background(), UpdateStatusInput{OrderID: o.ID, Target: models.StatusAssigned, Actor: models.RoleAdmin, Chef: "chef-1"})
	if code(err) != apperrors.CodeOrderTerminal {
		t.Fatalf("expected order_terminal, got %v", err)
	}
	_, err = f.svc.AddItems(context.Background(), AddItemsInput{OrderID: o.ID, Items: soup(1)})
	if code(err) != apperrors.CodeOrderTerminal {
		t.Fatalf("expected order_terminal, got %v", err)
	}
	// cancelling again is a no-op
	if _, err := f.svc.CancelOrder(context.Background(), o.ID, models.RoleCustomer); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestAddItems(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})
	o := f.place(t, "1")

	got, err := f.svc.AddItems(context.Background(), AddItemsInput{OrderID: o.ID, Items: soup(2), AmountDelta: 12})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.TotalAmount != 18 || len(got.Items) != 2 {
		t.Fatalf("unexpected order %+v", got)
	}

	_, err = f.svc.AddItems(context.Background(), AddItemsInput{OrderID: o.ID, Items: soup(1), AmountDelta: 5})
	if code(err) != apperrors.CodeAmountMismatch {
		t.Fatalf("expected amount_mismatch, got %v", err)
	}

	f.move(t, o.ID, models.StatusAssigned, models.RoleSupplier)
	f.move(t, o.ID, models.StatusPreparing, models.RoleKitchen)
	f.move(t, o.ID, models.StatusReady, models.RoleKitchen)
	_, err = f.svc.AddItems(context.Background(), AddItemsInput{OrderID: o.ID, Items: soup(1)})
	if !apperrors.IsConflict(err) || code(err) != apperrors.CodeItemsLocked {
		t.Fatalf("expected items_locked, got %v", err)
	}
}

func TestOrderNotFound(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})
	_, err := f.svc.UpdateStatus(context.Background(), UpdateStatusInput{OrderID: "missing", Target: models.StatusCancelled, Actor: models.RoleCustomer})
	if !apperrors.IsNotFound(err) || code(err) != apperrors.CodeOrderNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	active, err := f.svc.GetActiveOrderForTable(context.Background(), "42")
	if err != nil || active != nil {
		t.Fatalf("expected nil, nil; got %v, %v", active, err)
	}
}

func TestConcurrentPreparingAndCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, config.OrdersConfig{MaxAttempts: 5})
		o := f.place(t, "3")
		f.move(t, o.ID, models.StatusAssigned, models.RoleSupplier)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = f.svc.UpdateStatus(context.Background(), UpdateStatusInput{OrderID: o.ID, Target: models.StatusPreparing, Actor: models.RoleKitchen})
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = f.svc.CancelOrder(context.Background(), o.ID, models.RoleCustomer)
		}()
		wg.Wait()

		for _, err := range errs {
			if err != nil && !apperrors.IsConflict(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		final, _ := f.svc.GetOrder(context.Background(), o.ID)
		switch final.Status {
		case models.StatusCancelled:
		case models.StatusPreparing:
			if final.StatusTimestamps.PreparingAt == nil {
				t.Fatal("preparing without preparingAt")
			}
		default:
			t.Fatalf("unexpected final status %s", final.Status)
		}
	}
}

func TestConcurrentPlacementKeepsOneActiveOrder(t *testing.T) {
	const n = 10

	t.Run("merge", func(t *testing.T) {
		f := newFixture(t, config.OrdersConfig{MaxAttempts: 2 * n})
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: "7", Items: soup(1)}); err != nil {
					t.Errorf("place: %v", err)
				}
			}()
		}
		wg.Wait()

		orders, _ := f.svc.ListOrders(context.Background(), ListFilter{Table: "7"})
		if len(orders) != 1 {
			t.Fatalf("expected 1 order, got %d", len(orders))
		}
		if len(orders[0].Items) != n || orders[0].TotalAmount != 6*n {
			t.Fatalf("expected %d items, got %+v", n, orders[0])
		}
	})

	t.Run("reject", func(t *testing.T) {
		f := newFixture(t, config.OrdersConfig{PlacementPolicy: config.PlacementReject})
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: "7", Items: soup(1)})
				switch {
				case err == nil:
					mu.Lock()
					created++
					mu.Unlock()
				case !apperrors.IsConflict(err):
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if created != 1 {
			t.Fatalf("expected exactly one placement to win, got %d", created)
		}
	})
}

// conflictingStore loses every revision race.
type conflictingStore struct {
	*MemoryStore
	mu    sync.Mutex
	swaps int
}

func (s *conflictingStore) CompareAndSwap(ctx context.Context, id string, rev int64, next *models.Order) error {
	s.mu.Lock()
	s.swaps++
	s.mu.Unlock()
	return ErrRevisionConflict
}

func TestRetriesAreBounded(t *testing.T) {
	store := &conflictingStore{MemoryStore: NewMemoryStore()}
	pub := &recordingPublisher{}
	svc := NewService(store, config.OrdersConfig{MaxAttempts: 3}, zaptest.NewLogger(t), WithPublisher(pub))

	o, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: "2", Items: soup(1)})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	_, err = svc.CancelOrder(context.Background(), o.ID, models.RoleCustomer)
	if !apperrors.IsConcurrency(err) || code(err) != apperrors.CodeConcurrentUpdate {
		t.Fatalf("expected concurrency error, got %v", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Fatal("concurrency error should be retryable")
	}
	if store.swaps != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.swaps)
	}
	if n := len(pub.all()); n != 1 {
		t.Fatalf("expected only the placement event, got %d", n)
	}
}

// stuckStore never answers reads.
type stuckStore struct {
	*MemoryStore
}

func (s stuckStore) Get(ctx context.Context, id string) (*models.Order, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeout(t *testing.T) {
	svc := NewService(stuckStore{NewMemoryStore()}, config.OrdersConfig{MaxAttempts: 3, StoreTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t))

	_, err := svc.GetOrder(context.Background(), "any")
	if !apperrors.IsStoreTimeout(err) || code(err) != apperrors.CodeStoreTimeout {
		t.Fatalf("expected store timeout, got %v", err)
	}
}

func TestPublisherPanicDoesNotFailMutation(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{}, WithPublisher(panickyPublisher{}))
	o := f.place(t, "1")
	if o == nil {
		t.Fatal("expected order")
	}
	if n := len(f.pub.all()); n != 1 {
		t.Fatalf("expected the other publisher to still get the event, got %d", n)
	}
}

type fakeCatalog map[string]models.MenuItem

func (c fakeCatalog) GetMenuItem(_ context.Context, id string) (*models.MenuItem, error) {
	item, ok := c[id]
	if !ok {
		return nil, ErrMenuItemNotFound
	}
	return &item, nil
}

func (c fakeCatalog) ListMenu(context.Context) ([]models.MenuItem, error) {
	out := make([]models.MenuItem, 0, len(c))
	for _, item := range c {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func TestPlaceOrderSnapshotsCatalog(t *testing.T) {
	catalog := fakeCatalog{
		"m1": {ID: "m1", Name: "Ramen", Price: 11.5, Available: true},
		"m2": {ID: "m2", Name: "Mochi", Price: 4, Available: false},
	}
	f := newFixture(t, config.OrdersConfig{}, WithCatalog(catalog))

	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		Table: "4",
		Items: []ItemInput{{MenuItemID: "m1", Name: "ignored", UnitPrice: 1, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Items[0].Name != "Ramen" || o.Items[0].UnitPrice != 11.5 || o.TotalAmount != 23 {
		t.Fatalf("expected catalog snapshot, got %+v", o.Items[0])
	}

	_, err = f.svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: "8", Items: []ItemInput{{MenuItemID: "nope", Quantity: 1}}})
	if code(err) != apperrors.CodeMenuItemNotFound {
		t.Fatalf("expected menu_item_not_found, got %v", err)
	}
	_, err = f.svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: "8", Items: []ItemInput{{MenuItemID: "m2", Quantity: 1}}})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// price changes later do not touch the order
	catalog["m1"] = models.MenuItem{ID: "m1", Name: "Ramen", Price: 99, Available: true}
	got, _ := f.svc.GetOrder(context.Background(), o.ID)
	if got.TotalAmount != 23 {
		t.Fatalf("expected total to stay 23, got %v", got.TotalAmount)
	}
}

type fakeStaff []models.StaffMember

func (s fakeStaff) ListUsersByRole(_ context.Context, role string) ([]models.StaffMember, error) {
	var out []models.StaffMember
	for _, m := range s {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestAssignRequiresKnownChef(t *testing.T) {
	staff := fakeStaff{{ID: "chef-1", Name: "Ana", Role: models.StaffRoleChef}, {ID: "sup-1", Role: "supplier"}}
	f := newFixture(t, config.OrdersConfig{}, WithStaffDirectory(staff))
	o := f.place(t, "1")

	_, err := f.svc.UpdateStatus(context.Background(), UpdateStatusInput{OrderID: o.ID, Target: models.StatusAssigned, Actor: models.RoleSupplier, Chef: "sup-1"})
	if code(err) != apperrors.CodeUnknownChef {
		t.Fatalf("expected unknown_chef, got %v", err)
	}
	f.move(t, o.ID, models.StatusAssigned, models.RoleSupplier)

	chefs, err := f.svc.ListStaff(context.Background(), models.StaffRoleChef)
	if err != nil || len(chefs) != 1 {
		t.Fatalf("expected one chef, got %v (%v)", chefs, err)
	}
}

func TestOrderHistory(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{}, WithAuditor(NewMemoryAuditor()))
	o := f.place(t, "1")
	f.move(t, o.ID, models.StatusAssigned, models.RoleSupplier)
	f.move(t, o.ID, models.StatusAssigned, models.RoleSupplier)
	f.move(t, o.ID, models.StatusCancelled, models.RoleCustomer)

	history, err := f.svc.OrderHistory(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %+v", history)
	}
	last := history[2]
	if last.From != models.StatusAssigned || last.To != models.StatusCancelled || last.Actor != models.RoleCustomer || last.Revision != 3 {
		t.Fatalf("unexpected entry %+v", last)
	}

	if _, err := f.svc.OrderHistory(context.Background(), "missing"); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSalesReport(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})

	complete := func(table string, qty int) {
		o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: table, Items: soup(qty)})
		if err != nil {
			t.Fatal(err)
		}
		f.move(t, o.ID, models.StatusAssigned, models.RoleSupplier)
		f.move(t, o.ID, models.StatusCompleted, models.RoleAdmin)
	}
	complete("1", 1)
	f.clock.Advance(24 * time.Hour)
	complete("2", 3)
	f.place(t, "3")

	report, err := f.svc.SalesReport(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.TotalOrders != 2 || report.TotalRevenue != 24 || report.AvgTicket != 12 {
		t.Fatalf("unexpected totals %+v", report)
	}
	if len(report.Daily) != 7 {
		t.Fatalf("expected 7 days, got %d", len(report.Daily))
	}
	if d := report.Daily[6]; d.Revenue != 18 || d.Orders != 1 {
		t.Fatalf("unexpected today %+v", d)
	}
	if d := report.Daily[5]; d.Revenue != 6 || d.Orders != 1 {
		t.Fatalf("unexpected yesterday %+v", d)
	}
	if len(report.Recent) != 2 || report.Recent[0].Table != "2" {
		t.Fatalf("expected most recent first, got %+v", report.Recent)
	}
}

func TestWatchDeliversOnlyNewEvents(t *testing.T) {
	h := hub.New(config.HubConfig{QueueDepth: 8}, zaptest.NewLogger(t))
	defer h.Close()
	f := newFixture(t, config.OrdersConfig{}, WithPublisher(h))
	api := NewLocal(f.svc, h)

	o := f.place(t, "5")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := api.Watch(ctx, hub.TableTopic("5"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	current, err := api.GetOrder(ctx, o.ID)
	if err != nil || current.Revision != 1 {
		t.Fatalf("expected current revision 1, got %v (%v)", current, err)
	}

	f.move(t, o.ID, models.StatusCancelled, models.RoleCustomer)
	select {
	case ev := <-events:
		if ev.Revision != 2 || ev.Order.Status != models.StatusCancelled || ev.Previous != models.StatusPlaced {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	if _, err := api.Watch(ctx, "everything"); !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error for bad topic, got %v", err)
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestWatchEndsWithTheHub(t *testing.T) {
	h := hub.New(config.HubConfig{QueueDepth: 8}, zaptest.NewLogger(t))
	f := newFixture(t, config.OrdersConfig{})
	api := NewLocal(f.svc, h)

	before := runtime.NumGoroutine()
	streams := make([]<-chan models.OrderEvent, 0, 100)
	for i := 0; i < 100; i++ {
		events, err := api.Watch(context.Background(), hub.TopicKitchen)
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		streams = append(streams, events)
	}
	h.Close()

	for _, events := range streams {
		select {
		case _, ok := <-events:
			if ok {
				t.Fatal("expected closed stream")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("stream not closed after hub shutdown")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before+5 {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines leaked: %d before, %d after", before, runtime.NumGoroutine())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestListMenu(t *testing.T) {
	f := newFixture(t, config.OrdersConfig{})
	menu, err := f.svc.ListMenu(context.Background())
	if err != nil || menu == nil || len(menu) != 0 {
		t.Fatalf("expected an empty menu without a catalog, got %v (%v)", menu, err)
	}

	catalog := fakeCatalog{
		"m1": {ID: "m1", Name: "Ramen", Price: 11.5, Available: true},
		"m2": {ID: "m2", Name: "Mochi", Price: 4, Available: false},
	}
	f = newFixture(t, config.OrdersConfig{}, WithCatalog(catalog))
	menu, err = f.svc.ListMenu(context.Background())
	if err != nil || len(menu) != 2 || menu[0].Name != "Mochi" {
		t.Fatalf("expected both items, got %v (%v)", menu, err)
	}
}

func TestRejectedChangesAreLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	svc := NewService(NewMemoryStore(), config.OrdersConfig{MaxAttempts: 1}, zap.New(core), WithClock(clock.NewManual(t0)))
	o, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{Table: "2", Items: soup(1)})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	_, err = svc.UpdateStatus(context.Background(), UpdateStatusInput{OrderID: o.ID, Target: models.StatusReady, Actor: models.RoleKitchen})
	if !apperrors.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	rejected := logs.FilterMessage("Order change rejected").All()
	if len(rejected) != 1 {
		t.Fatalf("expected one rejection log, got %d", len(rejected))
	}
	fields := rejected[0].ContextMap()
	detail, _ := fields["detail"].(string)
	if !strings.Contains(detail, o.ID) || !strings.HasPrefix(detail, "orders.UpdateStatus") {
		t.Fatalf("unexpected detail %q", detail)
	}
	if fields["actor"] != string(models.RoleKitchen) {
		t.Fatalf("unexpected actor %v", fields["actor"])
	}
}
