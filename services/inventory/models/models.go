package models

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus is the lifecycle of a stock reservation.
type ReservationStatus string

const (
	// ReservationActive holds stock until expiry.
	ReservationActive ReservationStatus = "active"
	// ReservationReleased returned the stock, by compensation or sweep.
	ReservationReleased ReservationStatus = "released"
	// ReservationFulfilled converted the hold into a committed sale.
	ReservationFulfilled ReservationStatus = "fulfilled"
)

// Stock is the available and reserved quantity of one product in one
// warehouse. Mutations go through conditional updates, never read-modify-
// write.
type Stock struct {
	ProductID   uuid.UUID `gorm:"type:uuid;primaryKey" json:"product_id"`
	WarehouseID string    `gorm:"type:varchar(64);primaryKey" json:"warehouse_id"`
	Available   int       `gorm:"not null" json:"available"`
	Reserved    int       `gorm:"not null;default:0" json:"reserved"`
	Threshold   int       `gorm:"not null;default:0" json:"threshold"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Reservation is an all-or-nothing hold on the stock of one order.
type Reservation struct {
	ID            uuid.UUID         `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrderID       uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex" json:"order_id"`
	CorrelationID string            `gorm:"type:varchar(64);not null;index" json:"correlation_id"`
	Status        ReservationStatus `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	ExpiresAt     time.Time         `gorm:"not null;index" json:"expires_at"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	Lines         []ReservationLine `gorm:"foreignKey:ReservationID;constraint:OnDelete:CASCADE" json:"lines"`
}

// ReservationLine pins the quantity held per product and warehouse.
type ReservationLine struct {
	ID            uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ReservationID uuid.UUID `gorm:"type:uuid;not null;index" json:"reservation_id"`
	ProductID     uuid.UUID `gorm:"type:uuid;not null" json:"product_id"`
	WarehouseID   string    `gorm:"type:varchar(64);not null" json:"warehouse_id"`
	Quantity      int       `gorm:"not null" json:"quantity"`
}

// LineRequest is one requested hold line.
type LineRequest struct {
	ProductID   uuid.UUID `json:"product_id"`
	WarehouseID string    `json:"warehouse_id"`
	Quantity    int       `json:"quantity"`
}

// Expired reports whether the reservation is past its expiry at now.
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
