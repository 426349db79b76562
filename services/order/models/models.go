package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderStatus is the saga position of an order.
type OrderStatus string

const (
	StatusPending           OrderStatus = "pending"
	StatusInventoryReserved OrderStatus = "inventory_reserved"
	StatusPaymentProcessing OrderStatus = "payment_processing"
	StatusConfirmed         OrderStatus = "confirmed"
	StatusCancelled         OrderStatus = "cancelled"
	StatusFailed            OrderStatus = "failed"
	StatusShipped           OrderStatus = "shipped"
	StatusDelivered         OrderStatus = "delivered"
	StatusReturned          OrderStatus = "returned"
)

type Order struct {
	ID            uuid.UUID   `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OrderNumber   string      `gorm:"uniqueIndex;not null"`
	CustomerID    uuid.UUID   `gorm:"type:uuid;not null;index"`
	Amount        int         `gorm:"not null"`
	Status        OrderStatus `gorm:"type:varchar(32);not null;default:'pending'"`
	Version       int         `gorm:"not null;default:1"`
	CorrelationID string      `gorm:"type:varchar(64);index"`
	FailureReason string
	CanceledAt    *time.Time
	ConfirmedAt   *time.Time
	CreatedAt     time.Time         `gorm:"autoCreateTime"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime"`
	DeletedAt     gorm.DeletedAt    `gorm:"index"`
	Items         []OrderItem       `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Transitions   []OrderTransition `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

// OrderItem snapshots one purchased line. VariantID and Price are fixed
// at intake and never re-read from the catalog.
type OrderItem struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID     uuid.UUID `gorm:"type:uuid;not null;index"`
	ProductID   uuid.UUID `gorm:"type:uuid;not null"`
	VariantID   string    `gorm:"type:varchar(64)"`
	WarehouseID string    `gorm:"type:varchar(64);not null"`
	Quantity    int       `gorm:"not null"`
	Price       int       `gorm:"not null"`
}

// OrderTransition is the audit trail of every status change, including
// the event or command that triggered it.
type OrderTransition struct {
	ID         uuid.UUID   `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID    uuid.UUID   `gorm:"type:uuid;not null;index"`
	FromStatus OrderStatus `gorm:"type:varchar(32);not null"`
	ToStatus   OrderStatus `gorm:"type:varchar(32);not null"`
	Trigger    string      `gorm:"type:varchar(64);not null"`
	Reason     string
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}
