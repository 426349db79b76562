package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/services/payment/models"
)

// MemoryPaymentRepository is an in-memory PaymentRepository for tests and
// single-process runs.
type MemoryPaymentRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*models.PaymentRecord
	byOrder  map[uuid.UUID]uuid.UUID
}

func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{
		payments: make(map[uuid.UUID]*models.PaymentRecord),
		byOrder:  make(map[uuid.UUID]uuid.UUID),
	}
}

func (r *MemoryPaymentRepository) Create(_ context.Context, payment *models.PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byOrder[payment.OrderID]; exists {
		return commonerrors.ErrConflict
	}
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	now := time.Now().UTC()
	payment.CreatedAt = now
	payment.UpdatedAt = now

	stored := *payment
	r.payments[payment.ID] = &stored
	r.byOrder[payment.OrderID] = payment.ID
	return nil
}

func (r *MemoryPaymentRepository) GetByOrderID(_ context.Context, orderID uuid.UUID) (*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byOrder[orderID]
	if !ok {
		return nil, commonerrors.ErrPaymentNotFound
	}
	c := *r.payments[id]
	return &c, nil
}

func (r *MemoryPaymentRepository) UpdateStatus(_ context.Context, paymentID uuid.UUID, status models.PaymentStatus, reference, failureReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.payments[paymentID]
	if !ok {
		return commonerrors.ErrPaymentNotFound
	}
	payment.Status = status
	if reference != "" {
		payment.Reference = reference
	}
	if failureReason != "" {
		payment.FailureReason = failureReason
	}
	payment.UpdatedAt = time.Now().UTC()
	return nil
}
