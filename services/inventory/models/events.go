package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types published by the inventory side of the saga.
const (
	EventInventoryReserved          = "inventory.reserved"
	EventInventoryReservationFailed = "inventory.reservation.failed"
	EventInventoryReleased          = "inventory.released"
)

// InventoryEventVersion is the payload schema version for inventory events.
const InventoryEventVersion = 1

type InventoryReservedPayload struct {
	OrderID       uuid.UUID `json:"order_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type ReservationFailedPayload struct {
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}

type InventoryReleasedPayload struct {
	OrderID       uuid.UUID `json:"order_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	Reason        string    `json:"reason"`
}
