package grpc

import (
	"context"
	"io"

	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/orders"
	"google.golang.org/grpc"
)

// OrderClient is orders.API over gRPC. Errors come back as the same
// *apperrors.OrderError kinds the server produced.
type OrderClient struct {
	cc grpc.ClientConnInterface
}

var _ orders.API = (*OrderClient)(nil)

func NewOrderClient(cc grpc.ClientConnInterface) *OrderClient {
	return &OrderClient{cc: cc}
}

func (c *OrderClient) invoke(ctx context.Context, method string, req, resp any) error {
	return fromStatus(c.cc.Invoke(ctx, fullMethod(method), req, resp, grpc.CallContentSubtype(codecName)))
}

func (c *OrderClient) PlaceOrder(ctx context.Context, in orders.PlaceOrderInput) (*models.Order, error) {
	out := new(models.Order)
	if err := c.invoke(ctx, "PlaceOrder", &in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderClient) AddItems(ctx context.Context, in orders.AddItemsInput) (*models.Order, error) {
	out := new(models.Order)
	if err := c.invoke(ctx, "AddItems", &in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderClient) UpdateStatus(ctx context.Context, in orders.UpdateStatusInput) (*models.Order, error) {
	out := new(models.Order)
	if err := c.invoke(ctx, "UpdateStatus", &in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderClient) CancelOrder(ctx context.Context, orderID string, actor models.Role) (*models.Order, error) {
	out := new(models.Order)
	if err := c.invoke(ctx, "CancelOrder", &CancelOrderRequest{OrderID: orderID, Actor: actor}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderClient) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	out := new(models.Order)
	if err := c.invoke(ctx, "GetOrder", &OrderRequest{OrderID: id}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderClient) GetActiveOrderForTable(ctx context.Context, table string) (*models.Order, error) {
	out := new(ActiveOrderResponse)
	if err := c.invoke(ctx, "GetActiveOrderForTable", &TableRequest{Table: table}, out); err != nil {
		return nil, err
	}
	return out.Order, nil
}

func (c *OrderClient) ListOrders(ctx context.Context, filter orders.ListFilter) ([]*models.Order, error) {
	out := new(ListOrdersResponse)
	if err := c.invoke(ctx, "ListOrders", &filter, out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

func (c *OrderClient) OrderHistory(ctx context.Context, id string) ([]models.AuditEntry, error) {
	out := new(HistoryResponse)
	if err := c.invoke(ctx, "OrderHistory", &OrderRequest{OrderID: id}, out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *OrderClient) SalesReport(ctx context.Context) (*orders.SalesReport, error) {
	out := new(orders.SalesReport)
	if err := c.invoke(ctx, "SalesReport", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderClient) ListMenu(ctx context.Context) ([]models.MenuItem, error) {
	out := new(MenuResponse)
	if err := c.invoke(ctx, "ListMenu", &Empty{}, out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *OrderClient) ListStaff(ctx context.Context, role string) ([]models.StaffMember, error) {
	out := new(StaffResponse)
	if err := c.invoke(ctx, "ListStaff", &StaffRequest{Role: role}, out); err != nil {
		return nil, err
	}
	return out.Staff, nil
}

// Watch returns once the server has subscribed, so events committed after it
// returns are not missed.
func (c *OrderClient) Watch(ctx context.Context, topic string) (<-chan models.OrderEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.cc.NewStream(ctx, &orderServiceDesc.Streams[0], fullMethod("Watch"), grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(&WatchRequest{Topic: topic}); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	md, err := stream.Header()
	if err == nil && len(md.Get(subscribedHeader)) == 0 {
		// the stream ended before subscribing; RecvMsg carries the status
		err = stream.RecvMsg(new(models.OrderEvent))
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	out := make(chan models.OrderEvent)
	go func() {
		defer cancel()
		defer close(out)
		for {
			var ev models.OrderEvent
			if err := stream.RecvMsg(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
