package grpc

import (
	"github.com/example/tableside/pkg/models"
)

type CancelOrderRequest struct {
	OrderID string      `json:"order_id"`
	Actor   models.Role `json:"actor,omitempty"`
}

type OrderRequest struct {
	OrderID string `json:"order_id"`
}

type TableRequest struct {
	Table string `json:"table"`
}

// ActiveOrderResponse has a nil Order when the table is free.
type ActiveOrderResponse struct {
	Order *models.Order `json:"order"`
}

type ListOrdersResponse struct {
	Orders []*models.Order `json:"orders"`
}

type HistoryResponse struct {
	Entries []models.AuditEntry `json:"entries"`
}

type MenuResponse struct {
	Items []models.MenuItem `json:"items"`
}

type StaffRequest struct {
	Role string `json:"role,omitempty"`
}

type StaffResponse struct {
	Staff []models.StaffMember `json:"staff"`
}

type Empty struct{}

type WatchRequest struct {
	Topic string `json:"topic"`
}
