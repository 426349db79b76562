package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/services/order/models"
)

// OrderRepository is the data access for orders and their transition
// trail. ApplyTransition is the only status mutator and is an atomic
// compare-and-swap on the order's version.
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	// GetWithTrail loads the order with items and the ordered transition
	// history.
	GetWithTrail(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	// ApplyTransition moves the order to transition.ToStatus iff its
	// version still equals expectedVersion, bumps the version and appends
	// the audit row. A lost race returns ErrStaleVersion.
	ApplyTransition(ctx context.Context, orderID uuid.UUID, expectedVersion int, transition *models.OrderTransition) error
}

// GormOrderRepository implements OrderRepository on Postgres.
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) Create(ctx context.Context, order *models.Order) error {
	err := r.db.WithContext(ctx).Create(order).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return commonerrors.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (r *GormOrderRepository) GetByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		First(&order, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, commonerrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &order, nil
}

func (r *GormOrderRepository) GetWithTrail(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Preload("Transitions", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		First(&order, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, commonerrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order with trail: %w", err)
	}
	return &order, nil
}

func (r *GormOrderRepository) ApplyTransition(ctx context.Context, orderID uuid.UUID, expectedVersion int, transition *models.OrderTransition) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":     transition.ToStatus,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}
		switch transition.ToStatus {
		case models.StatusCancelled:
			updates["canceled_at"] = now
		case models.StatusConfirmed:
			updates["confirmed_at"] = now
		}
		if transition.Reason != "" {
			updates["failure_reason"] = transition.Reason
		}

		res := tx.Model(&models.Order{}).
			Where("id = ? AND version = ?", orderID, expectedVersion).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("apply transition: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return commonerrors.ErrStaleVersion
		}

		transition.OrderID = orderID
		if transition.ID == uuid.Nil {
			transition.ID = uuid.New()
		}
		if err := tx.Create(transition).Error; err != nil {
			return fmt.Errorf("record transition: %w", err)
		}
		return nil
	})
}
