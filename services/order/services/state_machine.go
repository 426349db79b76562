package services

import (
	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	inventorymodels "github.com/yashrajoria/order-saga/services/inventory/models"
	"github.com/yashrajoria/order-saga/services/order/models"
	paymentmodels "github.com/yashrajoria/order-saga/services/payment/models"
)

// Command triggers. Saga events use their event type as the trigger, so
// the audit trail reads either an event name or one of these.
const (
	TriggerCreateReserved  = "create.reserved"
	TriggerCreateRejected  = "create.rejected"
	TriggerCancelRequested = "cancel.requested"
	TriggerFinalizeExpired = "finalize.expired"
	TriggerShip            = "fulfillment.shipped"
	TriggerDeliver         = "fulfillment.delivered"
	TriggerReturnOpen      = "return.opened"
	TriggerReturnApproved  = "return.approved"
	TriggerReturnDeclined  = "return.declined"
)

// transitions is the full lifecycle table. Any (status, trigger) pair not
// listed here is discarded by the caller without touching the order.
var transitions = map[models.OrderStatus]map[string]models.OrderStatus{
	models.StatusPending: {
		TriggerCreateReserved:  models.StatusInventoryReserved,
		TriggerCreateRejected:  models.StatusCancelled,
		TriggerCancelRequested: models.StatusCancelled,
		inventorymodels.EventInventoryReservationFailed: models.StatusCancelled,
		inventorymodels.EventInventoryReleased:          models.StatusCancelled,
	},
	models.StatusInventoryReserved: {
		inventorymodels.EventInventoryReserved:          models.StatusPaymentProcessing,
		inventorymodels.EventInventoryReservationFailed: models.StatusCancelled,
		inventorymodels.EventInventoryReleased:          models.StatusCancelled,
		TriggerCancelRequested:                          models.StatusCancelled,
		// Payment reacts to order.created directly, so its outcome can
		// overtake inventory.reserved across topics.
		paymentmodels.EventPaymentSucceeded: models.StatusConfirmed,
		paymentmodels.EventPaymentFailed:    models.StatusFailed,
	},
	models.StatusPaymentProcessing: {
		paymentmodels.EventPaymentSucceeded:    models.StatusConfirmed,
		paymentmodels.EventPaymentFailed:       models.StatusFailed,
		inventorymodels.EventInventoryReleased: models.StatusCancelled,
		TriggerFinalizeExpired:                 models.StatusCancelled,
	},
	models.StatusFailed: {
		inventorymodels.EventInventoryReleased: models.StatusCancelled,
	},
	models.StatusConfirmed: {
		TriggerCancelRequested: models.StatusCancelled,
		TriggerShip:            models.StatusShipped,
	},
	models.StatusShipped: {
		TriggerDeliver: models.StatusDelivered,
	},
	models.StatusDelivered: {
		TriggerReturnOpen: models.StatusReturned,
	},
	models.StatusReturned: {
		TriggerReturnApproved: models.StatusCancelled,
		TriggerReturnDeclined: models.StatusConfirmed,
	},
}

// Next returns the status the trigger moves the order to. The second
// return is false for unlisted pairs.
func Next(current models.OrderStatus, trigger string) (models.OrderStatus, bool) {
	row, ok := transitions[current]
	if !ok {
		return "", false
	}
	next, ok := row[trigger]
	return next, ok
}

// CancelGate decides whether a cancel command may touch the order at
// all: shipped goods must travel the return flow instead.
func CancelGate(status models.OrderStatus) error {
	switch status {
	case models.StatusPending, models.StatusInventoryReserved, models.StatusConfirmed:
		return nil
	case models.StatusShipped, models.StatusDelivered:
		return commonerrors.ErrCancelRequiresReturn
	default:
		return commonerrors.ErrCancelNotAllowed
	}
}
