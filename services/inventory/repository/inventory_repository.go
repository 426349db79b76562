package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/services/inventory/models"
)

// InventoryRepository defines the data access for stock and reservations.
// The stock mutators are atomic conditional updates: they either apply
// against a row satisfying the guard or report failure without changing
// anything.
type InventoryRepository interface {
	// WithTx runs fn inside one transaction; fn receives a repository
	// bound to that transaction.
	WithTx(ctx context.Context, fn func(repo InventoryRepository) error) error

	GetStock(ctx context.Context, productID uuid.UUID, warehouseID string) (*models.Stock, error)
	UpsertStock(ctx context.Context, stock *models.Stock) error
	// ReserveStock moves qty from available to reserved iff enough is
	// available, otherwise ErrInsufficientStock.
	ReserveStock(ctx context.Context, productID uuid.UUID, warehouseID string, qty int) error
	// ReleaseStock moves qty back from reserved to available.
	ReleaseStock(ctx context.Context, productID uuid.UUID, warehouseID string, qty int) error
	// CommitStock burns qty out of reserved for a fulfilled reservation.
	CommitStock(ctx context.Context, productID uuid.UUID, warehouseID string, qty int) error

	CreateReservation(ctx context.Context, reservation *models.Reservation) error
	GetReservationByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Reservation, error)
	// SetReservationStatus flips status from exactly `from` to `to` and
	// reports whether this call won the flip.
	SetReservationStatus(ctx context.Context, reservationID uuid.UUID, from, to models.ReservationStatus) (bool, error)
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
}

// GormInventoryRepository implements InventoryRepository on Postgres.
type GormInventoryRepository struct {
	db *gorm.DB
}

func NewGormInventoryRepository(db *gorm.DB) *GormInventoryRepository {
	return &GormInventoryRepository{db: db}
}

func (r *GormInventoryRepository) WithTx(ctx context.Context, fn func(repo InventoryRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormInventoryRepository{db: tx})
	})
}

func (r *GormInventoryRepository) GetStock(ctx context.Context, productID uuid.UUID, warehouseID string) (*models.Stock, error) {
	var stock models.Stock
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND warehouse_id = ?", productID, warehouseID).
		First(&stock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, commonerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stock: %w", err)
	}
	return &stock, nil
}

func (r *GormInventoryRepository) UpsertStock(ctx context.Context, stock *models.Stock) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}, {Name: "warehouse_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"available", "reserved", "threshold", "updated_at"}),
		}).
		Create(stock).Error
	if err != nil {
		return fmt.Errorf("upsert stock: %w", err)
	}
	return nil
}

func (r *GormInventoryRepository) ReserveStock(ctx context.Context, productID uuid.UUID, warehouseID string, qty int) error {
	res := r.db.WithContext(ctx).Model(&models.Stock{}).
		Where("product_id = ? AND warehouse_id = ? AND available >= ?", productID, warehouseID, qty).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available - ?", qty),
			"reserved":   gorm.Expr("reserved + ?", qty),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("reserve stock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return commonerrors.Wrap(commonerrors.ErrInsufficientStock,
			fmt.Errorf("product %s warehouse %s qty %d", productID, warehouseID, qty))
	}
	return nil
}

func (r *GormInventoryRepository) ReleaseStock(ctx context.Context, productID uuid.UUID, warehouseID string, qty int) error {
	res := r.db.WithContext(ctx).Model(&models.Stock{}).
		Where("product_id = ? AND warehouse_id = ? AND reserved >= ?", productID, warehouseID, qty).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available + ?", qty),
			"reserved":   gorm.Expr("reserved - ?", qty),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("release stock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("release stock: reserved below %d for product %s warehouse %s", qty, productID, warehouseID)
	}
	return nil
}

func (r *GormInventoryRepository) CommitStock(ctx context.Context, productID uuid.UUID, warehouseID string, qty int) error {
	res := r.db.WithContext(ctx).Model(&models.Stock{}).
		Where("product_id = ? AND warehouse_id = ? AND reserved >= ?", productID, warehouseID, qty).
		Updates(map[string]interface{}{
			"reserved":   gorm.Expr("reserved - ?", qty),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("commit stock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("commit stock: reserved below %d for product %s warehouse %s", qty, productID, warehouseID)
	}
	return nil
}

func (r *GormInventoryRepository) CreateReservation(ctx context.Context, reservation *models.Reservation) error {
	if err := r.db.WithContext(ctx).Create(reservation).Error; err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (r *GormInventoryRepository) GetReservationByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Reservation, error) {
	var reservation models.Reservation
	err := r.db.WithContext(ctx).
		Preload("Lines").
		Where("order_id = ?", orderID).
		First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, commonerrors.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &reservation, nil
}

func (r *GormInventoryRepository) SetReservationStatus(ctx context.Context, reservationID uuid.UUID, from, to models.ReservationStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("id = ? AND status = ?", reservationID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("set reservation status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *GormInventoryRepository) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var reservations []models.Reservation
	q := r.db.WithContext(ctx).
		Preload("Lines").
		Where("status = ? AND expires_at < ?", models.ReservationActive, now).
		Order("expires_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&reservations).Error; err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	return reservations, nil
}
