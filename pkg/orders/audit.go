package orders

import (
	"context"
	"sync"

	"github.com/example/tableside/pkg/models"
)

// MemoryAuditor keeps audit entries in process.
type MemoryAuditor struct {
	mu      sync.Mutex
	entries map[string][]models.AuditEntry
}

func NewMemoryAuditor() *MemoryAuditor {
	return &MemoryAuditor{entries: make(map[string][]models.AuditEntry)}
}

func (a *MemoryAuditor) Record(ctx context.Context, entry models.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[entry.OrderID] = append(a.entries[entry.OrderID], entry)
	return nil
}

func (a *MemoryAuditor) History(ctx context.Context, orderID string) ([]models.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AuditEntry, len(a.entries[orderID]))
	copy(out, a.entries[orderID])
	return out, nil
}
