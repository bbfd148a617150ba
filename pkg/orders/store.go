package orders

import (
	"context"
	"errors"
	"time"

	"github.com/example/tableside/pkg/models"
)

// Store errors. Implementations return these (possibly wrapped) so the
// service can tell a lost race from a broken backend.
var (
	ErrOrderNotFound     = errors.New("store: order not found")
	ErrRevisionConflict  = errors.New("store: revision conflict")
	ErrActiveOrderExists = errors.New("store: table already has an active order")
)

// Store is the durable keyed collection of orders. It is the only owner of
// order records; writes after creation go through CompareAndSwap.
type Store interface {
	// Create inserts order and returns its id. It fails with
	// ErrActiveOrderExists when the table already has a non-terminal order.
	Create(ctx context.Context, order *models.Order) (string, error)
	Get(ctx context.Context, id string) (*models.Order, error)
	// FindActiveByTable returns nil, nil when the table has no active order.
	FindActiveByTable(ctx context.Context, table string) (*models.Order, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Order, error)
	// CompareAndSwap replaces the order only if its stored revision still
	// equals expectedRevision, otherwise it returns ErrRevisionConflict.
	CompareAndSwap(ctx context.Context, id string, expectedRevision int64, next *models.Order) error
}

// ListFilter narrows List. Zero values match everything; results are newest first.
type ListFilter struct {
	Table      string          `json:"table,omitempty"`
	Statuses   []models.Status `json:"statuses,omitempty"`
	ActiveOnly bool            `json:"active_only,omitempty"`
	Since      time.Time       `json:"since,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

func (f ListFilter) Match(o *models.Order) bool {
	if f.Table != "" && o.Table != f.Table {
		return false
	}
	if f.ActiveOnly && o.Status.Terminal() {
		return false
	}
	if !f.Since.IsZero() && o.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if o.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// MenuCatalog resolves menu references at order time.
type MenuCatalog interface {
	GetMenuItem(ctx context.Context, id string) (*models.MenuItem, error)
	// ListMenu returns every item, including those off the menu today.
	ListMenu(ctx context.Context) ([]models.MenuItem, error)
}

// StaffDirectory lists staff by role.
type StaffDirectory interface {
	ListUsersByRole(ctx context.Context, role string) ([]models.StaffMember, error)
}

// ErrMenuItemNotFound is returned by catalogs for unknown menu items.
var ErrMenuItemNotFound = errors.New("catalog: menu item not found")

// Auditor keeps the history of committed mutations.
type Auditor interface {
	Record(ctx context.Context, entry models.AuditEntry) error
	History(ctx context.Context, orderID string) ([]models.AuditEntry, error)
}

// Publisher receives every committed order event. Publish must not block.
type Publisher interface {
	Publish(ev models.OrderEvent)
}
