package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ChannelEmail = "email"
	ChannelLog   = "log"

	StatusSent   = "sent"
	StatusFailed = "failed"

	TypeOrderConfirmed = "order_confirmed"
	TypeOrderCancelled = "order_cancelled"
	TypePaymentFailed  = "payment_failed"
)

// NotificationLog records one delivery attempt outcome per saga event.
type NotificationLog struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	OrderID    uuid.UUID `json:"order_id" gorm:"type:uuid;index"`
	Recipient  string    `json:"recipient"`
	Type       string    `json:"type"`
	Channel    string    `json:"channel"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}
