package services_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	inventorymodels "github.com/yashrajoria/order-saga/services/inventory/models"
	"github.com/yashrajoria/order-saga/services/order/models"
	"github.com/yashrajoria/order-saga/services/order/services"
	paymentmodels "github.com/yashrajoria/order-saga/services/payment/models"
)

func TestNext_SagaPath(t *testing.T) {
	cases := []struct {
		name    string
		from    models.OrderStatus
		trigger string
		want    models.OrderStatus
		ok      bool
	}{
		{"reserve ok", models.StatusPending, services.TriggerCreateReserved, models.StatusInventoryReserved, true},
		{"reserve rejected", models.StatusPending, services.TriggerCreateRejected, models.StatusCancelled, true},
		{"async reserved", models.StatusInventoryReserved, inventorymodels.EventInventoryReserved, models.StatusPaymentProcessing, true},
		{"payment overtakes reserved", models.StatusInventoryReserved, paymentmodels.EventPaymentSucceeded, models.StatusConfirmed, true},
		{"payment failure overtakes reserved", models.StatusInventoryReserved, paymentmodels.EventPaymentFailed, models.StatusFailed, true},
		{"payment ok", models.StatusPaymentProcessing, paymentmodels.EventPaymentSucceeded, models.StatusConfirmed, true},
		{"payment failed", models.StatusPaymentProcessing, paymentmodels.EventPaymentFailed, models.StatusFailed, true},
		{"hold expired at finalize", models.StatusPaymentProcessing, services.TriggerFinalizeExpired, models.StatusCancelled, true},
		{"released after failure", models.StatusFailed, inventorymodels.EventInventoryReleased, models.StatusCancelled, true},
		{"released mid flight", models.StatusPaymentProcessing, inventorymodels.EventInventoryReleased, models.StatusCancelled, true},
		{"cancel confirmed", models.StatusConfirmed, services.TriggerCancelRequested, models.StatusCancelled, true},
		{"ship", models.StatusConfirmed, services.TriggerShip, models.StatusShipped, true},
		{"deliver", models.StatusShipped, services.TriggerDeliver, models.StatusDelivered, true},
		{"open return", models.StatusDelivered, services.TriggerReturnOpen, models.StatusReturned, true},
		{"return approved", models.StatusReturned, services.TriggerReturnApproved, models.StatusCancelled, true},
		{"return declined", models.StatusReturned, services.TriggerReturnDeclined, models.StatusConfirmed, true},

		{"late payment success on cancelled", models.StatusCancelled, paymentmodels.EventPaymentSucceeded, "", false},
		{"late payment success on failed", models.StatusFailed, paymentmodels.EventPaymentSucceeded, "", false},
		{"reserved event on confirmed", models.StatusConfirmed, inventorymodels.EventInventoryReserved, "", false},
		{"released on cancelled", models.StatusCancelled, inventorymodels.EventInventoryReleased, "", false},
		{"cancel shipped", models.StatusShipped, services.TriggerCancelRequested, "", false},
		{"unknown trigger", models.StatusPending, "bogus", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := services.Next(tc.from, tc.trigger)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestCancelGate(t *testing.T) {
	assert.NoError(t, services.CancelGate(models.StatusPending))
	assert.NoError(t, services.CancelGate(models.StatusInventoryReserved))
	assert.NoError(t, services.CancelGate(models.StatusConfirmed))

	assert.True(t, errors.Is(services.CancelGate(models.StatusShipped), commonerrors.ErrCancelRequiresReturn))
	assert.True(t, errors.Is(services.CancelGate(models.StatusDelivered), commonerrors.ErrCancelRequiresReturn))

	assert.True(t, errors.Is(services.CancelGate(models.StatusPaymentProcessing), commonerrors.ErrCancelNotAllowed))
	assert.True(t, errors.Is(services.CancelGate(models.StatusCancelled), commonerrors.ErrCancelNotAllowed))
	assert.True(t, errors.Is(services.CancelGate(models.StatusFailed), commonerrors.ErrCancelNotAllowed))
}
