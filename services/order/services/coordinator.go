package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/common/logger"
	pkgaws "github.com/yashrajoria/order-saga/pkg/aws"
	"github.com/yashrajoria/order-saga/pkg/bus"
	"github.com/yashrajoria/order-saga/pkg/dedup"
	inventorymodels "github.com/yashrajoria/order-saga/services/inventory/models"
	inventoryservices "github.com/yashrajoria/order-saga/services/inventory/services"
	"github.com/yashrajoria/order-saga/services/order/models"
	"github.com/yashrajoria/order-saga/services/order/repository"
	paymentmodels "github.com/yashrajoria/order-saga/services/payment/models"
)

// ConsumerGroup identifies the order coordinator on the bus.
const ConsumerGroup = "order-service"

// Coordinator moves orders through the saga as inventory and payment
// events arrive. Every status change goes through the transition table;
// unlisted pairs are logged and discarded so a late or duplicated event
// can never corrupt an order.
type Coordinator struct {
	repo         repository.OrderRepository
	reservations *inventoryservices.ReservationService
	bus          bus.Bus
	processed    dedup.Store
	metrics      *pkgaws.MetricsClient
}

func NewCoordinator(repo repository.OrderRepository, reservations *inventoryservices.ReservationService, b bus.Bus, processed dedup.Store, metrics *pkgaws.MetricsClient) *Coordinator {
	return &Coordinator{
		repo:         repo,
		reservations: reservations,
		bus:          b,
		processed:    processed,
		metrics:      metrics,
	}
}

// Register subscribes the coordinator to the inventory and payment
// topics.
func (c *Coordinator) Register() error {
	if err := c.bus.Subscribe(bus.TopicInventory, ConsumerGroup, c.Handle); err != nil {
		return err
	}
	return c.bus.Subscribe(bus.TopicPayments, ConsumerGroup, c.Handle)
}

func (c *Coordinator) Handle(ctx context.Context, env bus.Envelope) error {
	ctx = logger.WithCorrelation(ctx, env.CorrelationID)

	switch env.EventType {
	case inventorymodels.EventInventoryReserved,
		inventorymodels.EventInventoryReservationFailed,
		inventorymodels.EventInventoryReleased:
		if env.Version > inventorymodels.InventoryEventVersion {
			return bus.Permanent(fmt.Errorf("unknown %s version %d", env.EventType, env.Version))
		}
	case paymentmodels.EventPaymentSucceeded, paymentmodels.EventPaymentFailed:
		if env.Version > paymentmodels.PaymentEventVersion {
			return bus.Permanent(fmt.Errorf("unknown %s version %d", env.EventType, env.Version))
		}
	default:
		return nil
	}

	seen, err := c.processed.HasProcessed(ctx, ConsumerGroup, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		logger.Info(ctx, "Skipping duplicate event",
			zap.String("eventId", env.EventID),
			zap.String("eventType", env.EventType))
		c.count(pkgaws.MetricEventsDuplicate)
		return nil
	}

	switch env.EventType {
	case inventorymodels.EventInventoryReserved:
		err = c.handleInventoryReserved(ctx, env)
	case inventorymodels.EventInventoryReservationFailed:
		err = c.handleReservationFailed(ctx, env)
	case inventorymodels.EventInventoryReleased:
		err = c.handleInventoryReleased(ctx, env)
	case paymentmodels.EventPaymentSucceeded:
		err = c.handlePaymentSucceeded(ctx, env)
	case paymentmodels.EventPaymentFailed:
		err = c.handlePaymentFailed(ctx, env)
	}
	if err != nil {
		return err
	}

	if _, err := c.processed.MarkProcessed(ctx, ConsumerGroup, env.EventID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (c *Coordinator) handleInventoryReserved(ctx context.Context, env bus.Envelope) error {
	var payload inventorymodels.InventoryReservedPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}
	// Payment is driven by its own subscription to order.created; this
	// step only advances the order.
	_, _, err := c.apply(ctx, payload.OrderID, inventorymodels.EventInventoryReserved, "")
	return err
}

func (c *Coordinator) handleReservationFailed(ctx context.Context, env bus.Envelope) error {
	var payload inventorymodels.ReservationFailedPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}
	applied, order, err := c.apply(ctx, payload.OrderID, inventorymodels.EventInventoryReservationFailed, payload.Reason)
	if err != nil || !applied {
		return err
	}
	c.count(pkgaws.MetricOrdersCancelled)
	return c.publishCancelled(ctx, env, order, payload.Reason)
}

func (c *Coordinator) handleInventoryReleased(ctx context.Context, env bus.Envelope) error {
	var payload inventorymodels.InventoryReleasedPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}
	applied, order, err := c.apply(ctx, payload.OrderID, inventorymodels.EventInventoryReleased, payload.Reason)
	if err != nil || !applied {
		return err
	}
	c.count(pkgaws.MetricOrdersCancelled)
	return c.publishCancelled(ctx, env, order, payload.Reason)
}

// handlePaymentSucceeded finalizes the reservation and confirms the
// order. A hold that lapsed while payment settled cancels the order
// instead; a success for an already-settled order is discarded and the
// refund, if one is due, rides the order.cancelled event.
func (c *Coordinator) handlePaymentSucceeded(ctx context.Context, env bus.Envelope) error {
	var payload paymentmodels.PaymentSucceededPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}

	_, err := c.reservations.Finalize(ctx, payload.OrderID)
	switch {
	case err == nil:
		applied, _, err := c.apply(ctx, payload.OrderID, paymentmodels.EventPaymentSucceeded, "")
		if err != nil || !applied {
			return err
		}
		out, derr := bus.Derive(env, models.EventOrderConfirmed, models.OrderEventVersion,
			models.OrderConfirmedPayload{OrderID: payload.OrderID})
		if derr != nil {
			return bus.Permanent(derr)
		}
		if err := c.bus.Publish(ctx, bus.TopicOrders, out); err != nil {
			return err
		}
		logger.Info(ctx, "✅ Order confirmed", zap.String("orderId", payload.OrderID.String()))
		c.count(pkgaws.MetricOrdersConfirmed)
		c.count(pkgaws.MetricInventoryFinalized)
		return nil

	case errors.Is(err, commonerrors.ErrReservationExpired):
		applied, order, aerr := c.apply(ctx, payload.OrderID, TriggerFinalizeExpired, "reservation expired before finalize")
		if aerr != nil || !applied {
			return aerr
		}
		c.count(pkgaws.MetricOrdersCancelled)
		return c.publishCancelled(ctx, env, order, "reservation expired before finalize")

	case errors.Is(err, commonerrors.ErrReservationNotFound):
		logger.Warn(ctx, "Payment succeeded for order without reservation; discarding",
			zap.String("orderId", payload.OrderID.String()))
		return nil

	default:
		return err
	}
}

func (c *Coordinator) handlePaymentFailed(ctx context.Context, env bus.Envelope) error {
	var payload paymentmodels.PaymentFailedPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}
	applied, _, err := c.apply(ctx, payload.OrderID, paymentmodels.EventPaymentFailed, payload.Reason)
	if err != nil || !applied {
		return err
	}

	out, derr := bus.Derive(env, models.EventOrderFailed, models.OrderEventVersion,
		models.OrderFailedPayload{OrderID: payload.OrderID, Reason: payload.Reason})
	if derr != nil {
		return bus.Permanent(derr)
	}
	if err := c.bus.Publish(ctx, bus.TopicOrders, out); err != nil {
		return err
	}
	logger.Warn(ctx, "Order failed on payment",
		zap.String("orderId", payload.OrderID.String()),
		zap.String("reason", payload.Reason))
	c.count(pkgaws.MetricOrdersFailed)
	return nil
}

// apply walks the transition table for (current status, trigger) and
// commits the move under the version guard, re-reading on a lost race.
// Unlisted pairs and unknown orders are discarded, not errors.
func (c *Coordinator) apply(ctx context.Context, orderID uuid.UUID, trigger, reason string) (bool, *models.Order, error) {
	for attempt := 0; attempt < 5; attempt++ {
		order, err := c.repo.GetByID(ctx, orderID)
		if errors.Is(err, commonerrors.ErrOrderNotFound) {
			logger.Warn(ctx, "Event for unknown order; discarding",
				zap.String("orderId", orderID.String()),
				zap.String("trigger", trigger))
			return false, nil, nil
		}
		if err != nil {
			return false, nil, err
		}

		next, ok := Next(order.Status, trigger)
		if !ok {
			logger.Info(ctx, "⚠️ Transition not allowed; discarding",
				zap.String("orderId", orderID.String()),
				zap.String("status", string(order.Status)),
				zap.String("trigger", trigger))
			return false, order, nil
		}

		transition := &models.OrderTransition{
			FromStatus: order.Status,
			ToStatus:   next,
			Trigger:    trigger,
			Reason:     reason,
		}
		err = c.repo.ApplyTransition(ctx, orderID, order.Version, transition)
		if errors.Is(err, commonerrors.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return false, nil, err
		}
		order.Status = next
		order.Version++
		return true, order, nil
	}
	return false, nil, commonerrors.ErrStaleVersion
}

func (c *Coordinator) publishCancelled(ctx context.Context, env bus.Envelope, order *models.Order, reason string) error {
	out, err := bus.Derive(env, models.EventOrderCancelled, models.OrderEventVersion,
		models.OrderCancelledPayload{OrderID: order.ID, Reason: reason})
	if err != nil {
		return bus.Permanent(err)
	}
	if err := c.bus.Publish(ctx, bus.TopicOrders, out); err != nil {
		return err
	}
	logger.Info(ctx, "🚫 Order cancelled by saga",
		zap.String("orderId", order.ID.String()),
		zap.String("reason", reason))
	return nil
}

func (c *Coordinator) count(metric string) {
	if c.metrics == nil || !c.metrics.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.metrics.RecordCount(ctx, metric, map[string]string{"Service": ConsumerGroup})
	}()
}
