package models

import "github.com/google/uuid"

// Event types published by the payment side of the saga.
const (
	EventPaymentSucceeded = "payment.success"
	EventPaymentFailed    = "payment.failed"
)

// PaymentEventVersion is the payload schema version for payment events.
const PaymentEventVersion = 1

type PaymentSucceededPayload struct {
	OrderID   uuid.UUID `json:"order_id"`
	PaymentID uuid.UUID `json:"payment_id"`
	Amount    int       `json:"amount"`
	Reference string    `json:"reference"`
}

type PaymentFailedPayload struct {
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}
