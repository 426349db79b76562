package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/services/payment/models"
)

// PaymentRepository persists charge attempts, one row per order.
type PaymentRepository interface {
	// Create inserts the record. A second insert for the same order
	// returns ErrConflict.
	Create(ctx context.Context, payment *models.PaymentRecord) error
	// GetByOrderID returns the charge for the order, or ErrPaymentNotFound.
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*models.PaymentRecord, error)
	// UpdateStatus moves the record to status; reference and failureReason
	// are written when non-empty.
	UpdateStatus(ctx context.Context, paymentID uuid.UUID, status models.PaymentStatus, reference, failureReason string) error
}

type GormPaymentRepository struct {
	db *gorm.DB
}

func NewGormPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

func (r *GormPaymentRepository) Create(ctx context.Context, payment *models.PaymentRecord) error {
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return commonerrors.Wrap(commonerrors.ErrConflict, err)
		}
		return err
	}
	return nil
}

func (r *GormPaymentRepository) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, commonerrors.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *GormPaymentRepository) UpdateStatus(ctx context.Context, paymentID uuid.UUID, status models.PaymentStatus, reference, failureReason string) error {
	updates := map[string]interface{}{"status": status}
	if reference != "" {
		updates["reference"] = reference
	}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	result := r.db.WithContext(ctx).
		Model(&models.PaymentRecord{}).
		Where("id = ?", paymentID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return commonerrors.ErrPaymentNotFound
	}
	return nil
}
