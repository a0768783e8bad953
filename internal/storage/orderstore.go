package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/apperrors"
	"github.com/example/courier-dispatch/internal/models"
)

// OrderStore defines persistence for orders. Every mutator is a
// conditional update: it reports false when the precondition no longer
// holds, which is how accept/cancel races are decided.
type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)

	// Claim assigns driverID iff the order is pending and unassigned.
	// Re-claiming an order already held by driverID also succeeds, so
	// accept is idempotent.
	Claim(ctx context.Context, orderID, driverID string, at time.Time) (bool, error)

	// Requeue records a decline: driverID joins the exclusion set and the
	// assignment is cleared if driverID holds it. False on terminal orders
	// or when another driver holds the assignment.
	Requeue(ctx context.Context, orderID, driverID string) (bool, error)

	// MarkCompleted finishes the order iff inprocess and held by driverID.
	MarkCompleted(ctx context.Context, orderID, driverID string, at time.Time) (bool, error)

	// Cancel moves a still-pending order to the given terminal status.
	// False when an accept landed first.
	Cancel(ctx context.Context, orderID string, to models.OrderStatus) (bool, error)

	// ListPending returns unassigned pending orders, oldest first.
	ListPending(ctx context.Context) ([]*models.Order, error)
}

// MemoryStore is the in-process OrderStore. The single mutex makes every
// mutator a compare-and-swap.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*models.Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *o
	cp.Excluded = append([]string(nil), o.Excluded...)
	return &cp, nil
}

func (m *MemoryStore) Claim(ctx context.Context, orderID, driverID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	if o.Status == models.StatusInProcess && o.DriverID == driverID {
		return true, nil // idempotent re-accept
	}
	if o.Status != models.StatusPending || o.DriverID != "" {
		return false, nil
	}
	o.DriverID = driverID
	o.Status = models.StatusInProcess
	o.AcceptedAt = at
	return true, nil
}

func (m *MemoryStore) Requeue(ctx context.Context, orderID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	switch {
	case o.Status == models.StatusPending && o.DriverID == "":
	case o.Status == models.StatusInProcess && o.DriverID == driverID:
	default:
		return false, nil
	}
	if !o.IsExcluded(driverID) {
		o.Excluded = append(o.Excluded, driverID)
	}
	o.DriverID = ""
	o.Status = models.StatusPending
	o.AcceptedAt = time.Time{}
	return true, nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, orderID, driverID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	if o.Status != models.StatusInProcess || o.DriverID != driverID {
		return false, nil
	}
	o.Status = models.StatusCompleted
	o.CompletedAt = at
	return true, nil
}

func (m *MemoryStore) Cancel(ctx context.Context, orderID string, to models.OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	if o.Status != models.StatusPending || o.DriverID != "" {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (m *MemoryStore) ListPending(ctx context.Context) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Order, 0)
	for _, o := range m.orders {
		if o.Status == models.StatusPending && o.DriverID == "" {
			cp := *o
			cp.Excluded = append([]string(nil), o.Excluded...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
