package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle of a charge attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentDeclined  PaymentStatus = "declined"
	PaymentRefunded  PaymentStatus = "refunded"
)

type PaymentRecord struct {
	ID             uuid.UUID     `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID        uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex"`
	Amount         int           `gorm:"not null"`
	Status         PaymentStatus `gorm:"type:varchar(20);not null;default:'pending'"`
	IdempotencyKey string        `gorm:"type:varchar(128);uniqueIndex;not null"`
	Reference      string        `gorm:"type:varchar(128)"`
	FailureReason  string
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}
