package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yashrajoria/order-saga/services/notification/models"
)

type NotificationRepository interface {
	SaveLog(ctx context.Context, log *models.NotificationLog) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.NotificationLog, error)
}

type GormNotificationRepository struct {
	db *gorm.DB
}

func NewGormNotificationRepository(db *gorm.DB) *GormNotificationRepository {
	return &GormNotificationRepository{db: db}
}

func (r *GormNotificationRepository) SaveLog(ctx context.Context, log *models.NotificationLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *GormNotificationRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.NotificationLog, error) {
	var logs []models.NotificationLog
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// MemoryNotificationRepository keeps logs in memory for tests.
type MemoryNotificationRepository struct {
	mu   sync.Mutex
	logs []models.NotificationLog
}

func NewMemoryNotificationRepository() *MemoryNotificationRepository {
	return &MemoryNotificationRepository{}
}

func (r *MemoryNotificationRepository) SaveLog(_ context.Context, log *models.NotificationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.ID = int64(len(r.logs) + 1)
	r.logs = append(r.logs, *log)
	return nil
}

func (r *MemoryNotificationRepository) ListByOrder(_ context.Context, orderID uuid.UUID) ([]models.NotificationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.NotificationLog
	for _, log := range r.logs {
		if log.OrderID == orderID {
			out = append(out, log)
		}
	}
	return out, nil
}
