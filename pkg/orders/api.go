package orders

import (
	"context"
	"errors"

	"github.com/example/tableside/pkg/apperrors"
	"github.com/example/tableside/pkg/hub"
	"github.com/example/tableside/pkg/models"
)

// API is what transports and observers use. Local serves it in process; the
// gRPC client serves it over the network.
type API interface {
	PlaceOrder(ctx context.Context, in PlaceOrderInput) (*models.Order, error)
	AddItems(ctx context.Context, in AddItemsInput) (*models.Order, error)
	UpdateStatus(ctx context.Context, in UpdateStatusInput) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string, actor models.Role) (*models.Order, error)

	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetActiveOrderForTable(ctx context.Context, table string) (*models.Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]*models.Order, error)
	OrderHistory(ctx context.Context, id string) ([]models.AuditEntry, error)
	SalesReport(ctx context.Context) (*SalesReport, error)
	ListMenu(ctx context.Context) ([]models.MenuItem, error)
	ListStaff(ctx context.Context, role string) ([]models.StaffMember, error)

	// Watch streams events published on topic after the call returns. The
	// channel is closed when ctx ends or the hub shuts down.
	Watch(ctx context.Context, topic string) (<-chan models.OrderEvent, error)
}

// Local is the in-process API.
type Local struct {
	*Service
	hub *hub.Hub
}

var _ API = (*Local)(nil)

func NewLocal(svc *Service, h *hub.Hub) *Local {
	return &Local{Service: svc, hub: h}
}

func (l *Local) Watch(ctx context.Context, topic string) (<-chan models.OrderEvent, error) {
	sub, err := l.hub.Subscribe(topic)
	if errors.Is(err, hub.ErrInvalidTopic) {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequest, "Unknown topic %q.", topic)
	}
	if err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub.Events(), nil
}
