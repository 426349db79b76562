package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/services/order/models"
)

// MemoryOrderRepository is an in-memory OrderRepository for tests and
// single-node runs.
type MemoryOrderRepository struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[uuid.UUID]*models.Order)}
}

func (r *MemoryOrderRepository) Create(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if _, exists := r.orders[order.ID]; exists {
		return commonerrors.ErrConflict
	}
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Version == 0 {
		order.Version = 1
	}
	for i := range order.Items {
		if order.Items[i].ID == uuid.Nil {
			order.Items[i].ID = uuid.New()
		}
		order.Items[i].OrderID = order.ID
	}
	r.orders[order.ID] = copyOrder(order)
	return nil
}

func (r *MemoryOrderRepository) GetByID(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return nil, commonerrors.ErrOrderNotFound
	}
	c := copyOrder(order)
	c.Transitions = nil
	return c, nil
}

func (r *MemoryOrderRepository) GetWithTrail(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return nil, commonerrors.ErrOrderNotFound
	}
	c := copyOrder(order)
	sort.SliceStable(c.Transitions, func(i, j int) bool {
		return c.Transitions[i].CreatedAt.Before(c.Transitions[j].CreatedAt)
	})
	return c, nil
}

func (r *MemoryOrderRepository) ApplyTransition(_ context.Context, orderID uuid.UUID, expectedVersion int, transition *models.OrderTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return commonerrors.ErrStaleVersion
	}
	if order.Version != expectedVersion {
		return commonerrors.ErrStaleVersion
	}

	now := time.Now().UTC()
	order.Status = transition.ToStatus
	order.Version++
	order.UpdatedAt = now
	switch transition.ToStatus {
	case models.StatusCancelled:
		order.CanceledAt = &now
	case models.StatusConfirmed:
		order.ConfirmedAt = &now
	}
	if transition.Reason != "" {
		order.FailureReason = transition.Reason
	}

	transition.OrderID = orderID
	if transition.ID == uuid.Nil {
		transition.ID = uuid.New()
	}
	transition.CreatedAt = now
	order.Transitions = append(order.Transitions, *transition)
	return nil
}

func copyOrder(order *models.Order) *models.Order {
	c := *order
	c.Items = append([]models.OrderItem(nil), order.Items...)
	c.Transitions = append([]models.OrderTransition(nil), order.Transitions...)
	return &c
}
