package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yashrajoria/order-saga/common/logger"
	pkgaws "github.com/yashrajoria/order-saga/pkg/aws"
	"github.com/yashrajoria/order-saga/pkg/bus"
	"github.com/yashrajoria/order-saga/pkg/dedup"
	ordermodels "github.com/yashrajoria/order-saga/services/order/models"
	"github.com/yashrajoria/order-saga/services/payment/models"
)

// ConsumerGroup identifies the payment coordinator on the bus.
const ConsumerGroup = "payment-service"

// Coordinator charges orders as they are announced and refunds them when
// the saga cancels. It publishes payment.success and payment.failed;
// refunds announce nothing because the order is already settled.
type Coordinator struct {
	payments  *PaymentService
	bus       bus.Bus
	processed dedup.Store
	metrics   *pkgaws.MetricsClient
}

func NewCoordinator(payments *PaymentService, b bus.Bus, processed dedup.Store, metrics *pkgaws.MetricsClient) *Coordinator {
	return &Coordinator{
		payments:  payments,
		bus:       b,
		processed: processed,
		metrics:   metrics,
	}
}

// Register subscribes the coordinator to the order topic.
func (c *Coordinator) Register() error {
	return c.bus.Subscribe(bus.TopicOrders, ConsumerGroup, c.Handle)
}

func (c *Coordinator) Handle(ctx context.Context, env bus.Envelope) error {
	ctx = logger.WithCorrelation(ctx, env.CorrelationID)

	switch env.EventType {
	case ordermodels.EventOrderCreated, ordermodels.EventOrderCancelled:
		if env.Version > ordermodels.OrderEventVersion {
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
	}
	if err != nil {
		return err
	}

	if _, err := c.processed.MarkProcessed(ctx, ConsumerGroup, env.EventID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (c *Coordinator) handleOrderCreated(ctx context.Context, env bus.Envelope) error {
	var payload ordermodels.OrderCreatedPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}

	record, err := c.payments.Charge(ctx, payload.OrderID, payload.Amount)
	if err != nil {
		return err
	}

	switch record.Status {
	case models.PaymentSucceeded:
		out, derr := bus.Derive(env, models.EventPaymentSucceeded, models.PaymentEventVersion,
			models.PaymentSucceededPayload{
				OrderID:   payload.OrderID,
				PaymentID: record.ID,
				Amount:    record.Amount,
				Reference: record.Reference,
			})
		if derr != nil {
			return bus.Permanent(derr)
		}
		if err := c.bus.Publish(ctx, bus.TopicPayments, out); err != nil {
			return err
		}
		c.count(pkgaws.MetricPaymentSucceeded)
		return nil

	case models.PaymentDeclined:
		out, derr := bus.Derive(env, models.EventPaymentFailed, models.PaymentEventVersion,
			models.PaymentFailedPayload{
				OrderID: payload.OrderID,
				Reason:  record.FailureReason,
			})
		if derr != nil {
			return bus.Permanent(derr)
		}
		if err := c.bus.Publish(ctx, bus.TopicPayments, out); err != nil {
			return err
		}
		c.count(pkgaws.MetricPaymentDeclined)
		return nil

	case models.PaymentRefunded:
		// The saga already cancelled this order and the money went back;
		// nothing further to announce.
		logger.Info(ctx, "Charge already refunded; order settled",
			zap.String("orderId", payload.OrderID.String()))
		return nil

	default:
		logger.Warn(ctx, "Charge ended in unexpected state",
			zap.String("orderId", payload.OrderID.String()),
			zap.String("status", string(record.Status)))
		return nil
	}
}

func (c *Coordinator) handleOrderCancelled(ctx context.Context, env bus.Envelope) error {
	var payload ordermodels.OrderCancelledPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}

	_, refunded, err := c.payments.Refund(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if refunded {
		c.count(pkgaws.MetricPaymentRefunded)
	}
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
