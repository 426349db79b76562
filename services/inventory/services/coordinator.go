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
	"github.com/yashrajoria/order-saga/services/inventory/models"
	ordermodels "github.com/yashrajoria/order-saga/services/order/models"
	paymentmodels "github.com/yashrajoria/order-saga/services/payment/models"
)

// ConsumerGroup identifies this coordinator on the bus.
const ConsumerGroup = "inventory-service"

// Coordinator reacts to order and payment events: it backs the order
// flow with reservations and hands stock back on compensation. Every
// outcome event ID is derived from the event that caused it, so a
// redelivery re-emits the same ID and downstream consumers drop it.
type Coordinator struct {
	reservations *ReservationService
	bus          bus.Bus
	processed    dedup.Store
	metrics      *pkgaws.MetricsClient
}

func NewCoordinator(reservations *ReservationService, b bus.Bus, processed dedup.Store, metrics *pkgaws.MetricsClient) *Coordinator {
	return &Coordinator{
		reservations: reservations,
		bus:          b,
		processed:    processed,
		metrics:      metrics,
	}
}

// Register subscribes the coordinator to the order and payment topics.
func (c *Coordinator) Register() error {
	if err := c.bus.Subscribe(bus.TopicOrders, ConsumerGroup, c.Handle); err != nil {
		return err
	}
	return c.bus.Subscribe(bus.TopicPayments, ConsumerGroup, c.Handle)
}

func (c *Coordinator) Handle(ctx context.Context, env bus.Envelope) error {
	ctx = logger.WithCorrelation(ctx, env.CorrelationID)

	switch env.EventType {
	case ordermodels.EventOrderCreated, ordermodels.EventOrderCancelled:
		if env.Version > ordermodels.OrderEventVersion {
			return bus.Permanent(fmt.Errorf("unknown %s version %d", env.EventType, env.Version))
		}
	case paymentmodels.EventPaymentFailed:
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
	case ordermodels.EventOrderCreated:
		err = c.handleOrderCreated(ctx, env)
	case ordermodels.EventOrderCancelled:
		err = c.handleOrderCancelled(ctx, env)
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

// handleOrderCreated confirms the hold behind a freshly created order.
// Reserve is idempotent per order, so the hold placed synchronously at
// order intake is simply returned; if it never landed it is placed now.
func (c *Coordinator) handleOrderCreated(ctx context.Context, env bus.Envelope) error {
	var payload ordermodels.OrderCreatedPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}

	lines := make([]models.LineRequest, 0, len(payload.Items))
	for _, item := range payload.Items {
		lines = append(lines, models.LineRequest{
			ProductID:   item.ProductID,
			WarehouseID: item.WarehouseID,
			Quantity:    item.Quantity,
		})
	}

	reservation, err := c.reservations.Reserve(ctx, payload.OrderID, env.CorrelationID, lines)
	switch {
	case err == nil:
		out, derr := bus.Derive(env, models.EventInventoryReserved, models.InventoryEventVersion, models.InventoryReservedPayload{
			OrderID:       payload.OrderID,
			ReservationID: reservation.ID,
			ExpiresAt:     reservation.ExpiresAt,
		})
		if derr != nil {
			return bus.Permanent(derr)
		}
		if err := c.bus.Publish(ctx, bus.TopicInventory, out); err != nil {
			return err
		}
		c.count(pkgaws.MetricInventoryReserved)
		return nil

	case errors.Is(err, commonerrors.ErrInsufficientStock),
		errors.Is(err, commonerrors.ErrReservationExpired),
		errors.Is(err, commonerrors.ErrValidation):
		out, derr := bus.Derive(env, models.EventInventoryReservationFailed, models.InventoryEventVersion, models.ReservationFailedPayload{
			OrderID: payload.OrderID,
			Reason:  err.Error(),
		})
		if derr != nil {
			return bus.Permanent(derr)
		}
		return c.bus.Publish(ctx, bus.TopicInventory, out)

	default:
		return err
	}
}

func (c *Coordinator) handleOrderCancelled(ctx context.Context, env bus.Envelope) error {
	var payload ordermodels.OrderCancelledPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}
	reason := payload.Reason
	if reason == "" {
		reason = "order cancelled"
	}
	return c.release(ctx, env, payload.OrderID, reason)
}

func (c *Coordinator) handlePaymentFailed(ctx context.Context, env bus.Envelope) error {
	var payload paymentmodels.PaymentFailedPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}
	return c.release(ctx, env, payload.OrderID, "payment failed")
}

// release compensates: it hands the held stock back and announces the
// release only when this delivery actually freed it.
func (c *Coordinator) release(ctx context.Context, env bus.Envelope, orderID uuid.UUID, reason string) error {
	reservation, released, err := c.reservations.Release(ctx, orderID, reason)
	if err != nil {
		return err
	}
	if !released {
		return nil
	}

	out, derr := bus.Derive(env, models.EventInventoryReleased, models.InventoryEventVersion, models.InventoryReleasedPayload{
		OrderID:       orderID,
		ReservationID: reservation.ID,
		Reason:        reason,
	})
	if derr != nil {
		return bus.Permanent(derr)
	}
	if err := c.bus.Publish(ctx, bus.TopicInventory, out); err != nil {
		return err
	}
	c.count(pkgaws.MetricInventoryReleased)
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
