package models

import "time"

type EventType string

const (
	EventNewOrder     EventType = "new_order"
	EventOrderUpdated EventType = "order_updated"
)

// OrderEvent carries a committed order snapshot. Revision orders events of the same order.
type OrderEvent struct {
	Type     EventType `json:"type"`
	Order    Order     `json:"order"`
	Previous Status    `json:"previous,omitempty"`
	Revision int64     `json:"revision"`
	Origin   string    `json:"origin,omitempty"`
	At       time.Time `json:"at"`
}

// NewOrderEvent snapshots order so later mutations never reach subscribers.
func NewOrderEvent(typ EventType, order *Order, previous Status, at time.Time) OrderEvent {
	return OrderEvent{
		Type:     typ,
		Order:    *order.Clone(),
		Previous: previous,
		Revision: order.Revision,
		At:       at,
	}
}

// AuditEntry records one committed mutation of an order.
type AuditEntry struct {
	OrderID  string    `bson:"order_id" json:"order_id"`
	Action   string    `bson:"action" json:"action"`
	From     Status    `bson:"from,omitempty" json:"from,omitempty"`
	To       Status    `bson:"to" json:"to"`
	Actor    Role      `bson:"actor,omitempty" json:"actor,omitempty"`
	Chef     string    `bson:"chef,omitempty" json:"chef,omitempty"`
	Revision int64     `bson:"revision" json:"revision"`
	At       time.Time `bson:"at" json:"at"`
}
