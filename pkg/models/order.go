package models

import (
	"time"
)

// Status is the lifecycle position of an order.
type Status string

const (
	StatusPlaced    Status = "placed"
	StatusAssigned  Status = "assigned"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusServed    Status = "served"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPlaced,
	StatusAssigned,
	StatusPreparing,
	StatusReady,
	StatusServed,
	StatusCompleted,
	StatusCancelled,
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{
	StatusPlaced,
	StatusAssigned,
	StatusPreparing,
	StatusReady,
	StatusServed,
}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// Role identifies who is asking for a change.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleKitchen  Role = "kitchen"
	RoleSupplier Role = "supplier"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleKitchen, RoleSupplier, RoleAdmin:
		return true
	}
	return false
}

type Order struct {
	ID               string           `bson:"_id" json:"id"`
	Table            string           `bson:"table" json:"table"`
	Items            []OrderItem      `bson:"items" json:"items"`
	TotalAmount      float64          `bson:"total_amount" json:"total_amount"`
	Status           Status           `bson:"status" json:"status"`
	PaymentStatus    PaymentStatus    `bson:"payment_status" json:"payment_status"`
	AssignedChef     string           `bson:"assigned_chef,omitempty" json:"assigned_chef,omitempty"`
	StatusTimestamps StatusTimestamps `bson:"status_timestamps" json:"status_timestamps"`
	Revision         int64            `bson:"revision" json:"revision"`
	CreatedAt        time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `bson:"updated_at" json:"updated_at"`
}

// OrderItem keeps the name and price the customer saw when ordering.
type OrderItem struct {
	MenuItemID string  `bson:"menu_item_id,omitempty" json:"menu_item_id,omitempty"`
	Name       string  `bson:"name" json:"name"`
	UnitPrice  float64 `bson:"unit_price" json:"unit_price"`
	Quantity   int     `bson:"quantity" json:"quantity"`
}

func (i OrderItem) Subtotal() float64 {
	return i.UnitPrice * float64(i.Quantity)
}

type StatusTimestamps struct {
	PlacedAt    time.Time  `bson:"placed_at" json:"placed_at"`
	PreparingAt *time.Time `bson:"preparing_at,omitempty" json:"preparing_at,omitempty"`
	ReadyAt     *time.Time `bson:"ready_at,omitempty" json:"ready_at,omitempty"`
	ServedAt    *time.Time `bson:"served_at,omitempty" json:"served_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// At returns when status was first reached, or nil.
func (t StatusTimestamps) At(status Status) *time.Time {
	switch status {
	case StatusPlaced:
		if t.PlacedAt.IsZero() {
			return nil
		}
		v := t.PlacedAt
		return &v
	case StatusPreparing:
		return t.PreparingAt
	case StatusReady:
		return t.ReadyAt
	case StatusServed:
		return t.ServedAt
	case StatusCompleted:
		return t.CompletedAt
	}
	return nil
}

// Stamp sets the timestamp of status to at unless it is already set or the
// status has no timestamp. It reports whether a field was written.
func (t *StatusTimestamps) Stamp(status Status, at time.Time) bool {
	var slot **time.Time
	switch status {
	case StatusPlaced:
		if !t.PlacedAt.IsZero() {
			return false
		}
		t.PlacedAt = at
		return true
	case StatusPreparing:
		slot = &t.PreparingAt
	case StatusReady:
		slot = &t.ReadyAt
	case StatusServed:
		slot = &t.ServedAt
	case StatusCompleted:
		slot = &t.CompletedAt
	default:
		return false
	}
	if *slot != nil {
		return false
	}
	v := at
	*slot = &v
	return true
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.StatusTimestamps.PreparingAt = cloneTime(o.StatusTimestamps.PreparingAt)
	c.StatusTimestamps.ReadyAt = cloneTime(o.StatusTimestamps.ReadyAt)
	c.StatusTimestamps.ServedAt = cloneTime(o.StatusTimestamps.ServedAt)
	c.StatusTimestamps.CompletedAt = cloneTime(o.StatusTimestamps.CompletedAt)
	return &c
}

func (o *Order) Active() bool {
	return !o.Status.Terminal()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
