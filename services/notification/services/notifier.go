package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yashrajoria/order-saga/common/logger"
	pkgaws "github.com/yashrajoria/order-saga/pkg/aws"
	"github.com/yashrajoria/order-saga/pkg/bus"
	"github.com/yashrajoria/order-saga/pkg/dedup"
	"github.com/yashrajoria/order-saga/services/notification/models"
	"github.com/yashrajoria/order-saga/services/notification/repository"
	"github.com/yashrajoria/order-saga/services/notification/sender"
	ordermodels "github.com/yashrajoria/order-saga/services/order/models"
	paymentmodels "github.com/yashrajoria/order-saga/services/payment/models"
)

// ConsumerGroup identifies the notification consumer on the bus.
const ConsumerGroup = "notification-service"

// sendAttempts is how many times a message is tried before the failure
// is recorded and the event dropped.
const sendAttempts = 3

// Notifier is the terminal consumer of the saga. It turns order and
// payment outcomes into messages for the configured mailbox and keeps a
// delivery log per event. It publishes nothing back to the bus.
type Notifier struct {
	repo       repository.NotificationRepository
	sender     sender.Sender
	recipient  string
	bus        bus.Bus
	processed  dedup.Store
	metrics    *pkgaws.MetricsClient
	retryDelay time.Duration
}

func NewNotifier(repo repository.NotificationRepository, snd sender.Sender, recipient string, b bus.Bus, processed dedup.Store, metrics *pkgaws.MetricsClient, retryDelay time.Duration) *Notifier {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Notifier{
		repo:       repo,
		sender:     snd,
		recipient:  recipient,
		bus:        b,
		processed:  processed,
		metrics:    metrics,
		retryDelay: retryDelay,
	}
}

// Register subscribes the notifier to the order and payment topics.
func (n *Notifier) Register() error {
	if err := n.bus.Subscribe(bus.TopicOrders, ConsumerGroup, n.Handle); err != nil {
		return err
	}
	return n.bus.Subscribe(bus.TopicPayments, ConsumerGroup, n.Handle)
}

func (n *Notifier) Handle(ctx context.Context, env bus.Envelope) error {
	ctx = logger.WithCorrelation(ctx, env.CorrelationID)

	switch env.EventType {
	case ordermodels.EventOrderConfirmed, ordermodels.EventOrderCancelled:
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

	seen, err := n.processed.HasProcessed(ctx, ConsumerGroup, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		logger.Info(ctx, "Skipping duplicate event",
			zap.String("eventId", env.EventID),
			zap.String("eventType", env.EventType))
		n.count(pkgaws.MetricEventsDuplicate)
		return nil
	}

	switch env.EventType {
	case ordermodels.EventOrderConfirmed:
		err = n.handleOrderConfirmed(ctx, env)
	case ordermodels.EventOrderCancelled:
		err = n.handleOrderCancelled(ctx, env)
	case paymentmodels.EventPaymentFailed:
		err = n.handlePaymentFailed(ctx, env)
	}
	if err != nil {
		return err
	}

	if _, err := n.processed.MarkProcessed(ctx, ConsumerGroup, env.EventID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (n *Notifier) handleOrderConfirmed(ctx context.Context, env bus.Envelope) error {
	var payload ordermodels.OrderConfirmedPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}

	subject := fmt.Sprintf("Order %s confirmed", shortID(payload.OrderID))
	body := fmt.Sprintf(
		"Order %s has been paid and confirmed. The reserved stock is committed and the order is ready for fulfilment.",
		payload.OrderID)
	return n.deliver(ctx, payload.OrderID, models.TypeOrderConfirmed, subject, body)
}

func (n *Notifier) handleOrderCancelled(ctx context.Context, env bus.Envelope) error {
	var payload ordermodels.OrderCancelledPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}

	reason := payload.Reason
	if reason == "" {
		reason = "no reason given"
	}
	subject := fmt.Sprintf("Order %s cancelled", shortID(payload.OrderID))
	body := fmt.Sprintf(
		"Order %s was cancelled: %s. Any reserved stock has been returned to the warehouse.",
		payload.OrderID, reason)
	return n.deliver(ctx, payload.OrderID, models.TypeOrderCancelled, subject, body)
}

func (n *Notifier) handlePaymentFailed(ctx context.Context, env bus.Envelope) error {
	var payload paymentmodels.PaymentFailedPayload
	if err := env.Decode(&payload); err != nil {
		return bus.Permanent(err)
	}

	subject := fmt.Sprintf("Payment failed for order %s", shortID(payload.OrderID))
	body := fmt.Sprintf(
		"The charge for order %s did not go through: %s. The order will be cancelled and its stock released.",
		payload.OrderID, payload.Reason)
	return n.deliver(ctx, payload.OrderID, models.TypePaymentFailed, subject, body)
}

// deliver tries the send a few times with a linear backoff, then
// records the outcome. A message that still fails after the last
// attempt is logged as failed and the event counts as handled;
// redelivering it would not make the mailbox reachable.
func (n *Notifier) deliver(ctx context.Context, orderID uuid.UUID, msgType, subject, body string) error {
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		result, err := n.sender.Send(ctx, n.recipient, subject, body)
		if err == nil {
			logger.Info(ctx, "📧 Notification sent",
				zap.String("orderId", orderID.String()),
				zap.String("type", msgType),
				zap.String("messageId", result.MessageID))
			n.count(pkgaws.MetricNotificationsSent)
			return n.record(ctx, orderID, msgType, models.StatusSent, "", attempt-1)
		}
		lastErr = err
		logger.Warn(ctx, "Notification send failed",
			zap.String("orderId", orderID.String()),
			zap.String("type", msgType),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < sendAttempts {
			time.Sleep(time.Duration(attempt) * n.retryDelay)
		}
	}

	logger.Error(ctx, "❌ Notification undeliverable; recording failure", lastErr,
		zap.String("orderId", orderID.String()),
		zap.String("type", msgType))
	n.count(pkgaws.MetricNotificationsFailed)
	return n.record(ctx, orderID, msgType, models.StatusFailed, lastErr.Error(), sendAttempts-1)
}

func (n *Notifier) record(ctx context.Context, orderID uuid.UUID, msgType, status, sendErr string, retries int) error {
	entry := &models.NotificationLog{
		OrderID:    orderID,
		Recipient:  n.recipient,
		Type:       msgType,
		Channel:    n.sender.Channel(),
		Status:     status,
		Error:      sendErr,
		RetryCount: retries,
	}
	if err := n.repo.SaveLog(ctx, entry); err != nil {
		return fmt.Errorf("save notification log: %w", err)
	}
	return nil
}

func (n *Notifier) count(metric string) {
	if n.metrics == nil || !n.metrics.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.metrics.RecordCount(ctx, metric, map[string]string{"Service": ConsumerGroup})
	}()
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
