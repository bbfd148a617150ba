package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/tableside/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It keeps the one-active-order-per-table
// index in step with every write.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
	active map[string]string // table -> order id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*models.Order),
		active: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, order *models.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if _, exists := m.orders[order.ID]; exists {
		return "", fmt.Errorf("order %s already exists", order.ID)
	}
	if order.Active() {
		if _, busy := m.active[order.Table]; busy {
			return "", ErrActiveOrderExists
		}
		m.active[order.Table] = order.ID
	}
	m.orders[order.ID] = order.Clone()
	return order.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) FindActiveByTable(ctx context.Context, table string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[table]
	if !ok {
		return nil, nil
	}
	return m.orders[id].Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if filter.Match(o) {
			out = append(out, o.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectedRevision int64, next *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Revision != expectedRevision {
		return ErrRevisionConflict
	}
	if next.Active() {
		if owner, busy := m.active[next.Table]; busy && owner != id {
			return ErrActiveOrderExists
		}
		m.active[next.Table] = id
	} else if m.active[cur.Table] == id {
		delete(m.active, cur.Table)
	}
	m.orders[id] = next.Clone()
	return nil
}
