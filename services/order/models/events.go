package models

import "github.com/google/uuid"

// Event types published by the order side of the saga.
const (
	EventOrderCreated   = "order.created"
	EventOrderConfirmed = "order.confirmed"
	EventOrderCancelled = "order.cancelled"
	EventOrderFailed    = "order.failed"
)

// OrderEventVersion is the payload schema version for order events.
const OrderEventVersion = 1

type OrderLine struct {
	ProductID   uuid.UUID `json:"product_id"`
	VariantID   string    `json:"variant_id,omitempty"`
	WarehouseID string    `json:"warehouse_id"`
	Quantity    int       `json:"quantity"`
	Price       int       `json:"price"`
}

type OrderCreatedPayload struct {
	OrderID    uuid.UUID   `json:"order_id"`
	CustomerID uuid.UUID   `json:"customer_id"`
	Amount     int         `json:"amount"`
	Items      []OrderLine `json:"items"`
}

type OrderConfirmedPayload struct {
	OrderID uuid.UUID `json:"order_id"`
}

type OrderCancelledPayload struct {
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}

type OrderFailedPayload struct {
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}
