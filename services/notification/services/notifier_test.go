package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashrajoria/order-saga/common/logger"
	"github.com/yashrajoria/order-saga/pkg/bus"
	"github.com/yashrajoria/order-saga/pkg/dedup"
	"github.com/yashrajoria/order-saga/services/notification/models"
	"github.com/yashrajoria/order-saga/services/notification/repository"
	"github.com/yashrajoria/order-saga/services/notification/sender"
	"github.com/yashrajoria/order-saga/services/notification/services"
	ordermodels "github.com/yashrajoria/order-saga/services/order/models"
	paymentmodels "github.com/yashrajoria/order-saga/services/payment/models"
)

func init() {
	logger.Initialize("development")
}

// ---- mock bus ----

type capturedEvent struct {
	topic string
	env   bus.Envelope
}

type captureBus struct {
	published  []capturedEvent
	subscribed []string
}

func (b *captureBus) Publish(_ context.Context, topic string, env bus.Envelope) error {
	b.published = append(b.published, capturedEvent{topic: topic, env: env})
	return nil
}

func (b *captureBus) Subscribe(topic, group string, _ bus.Handler) error {
	b.subscribed = append(b.subscribed, topic+"/"+group)
	return nil
}

// ---- mock sender ----

type sentMessage struct {
	to      string
	subject string
	body    string
}

type fakeSender struct {
	sent     []sentMessage
	attempts int
	failures int
	err      error
}

func (s *fakeSender) Send(_ context.Context, to, subject, body string) (sender.SendResult, error) {
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return sender.SendResult{}, s.err
	}
	s.sent = append(s.sent, sentMessage{to: to, subject: subject, body: body})
	return sender.SendResult{MessageID: "test-msg", SentAt: time.Now()}, nil
}

func (s *fakeSender) Channel() string {
	return models.ChannelLog
}

// ---- helpers ----

const testRecipient = "ops@example.com"

type notifierFixture struct {
	repo   *repository.MemoryNotificationRepository
	sender *fakeSender
	bus    *captureBus
	notif  *services.Notifier
}

func newNotifierFixture(t *testing.T) *notifierFixture {
	t.Helper()
	repo := repository.NewMemoryNotificationRepository()
	snd := &fakeSender{}
	b := &captureBus{}
	notif := services.NewNotifier(repo, snd, testRecipient, b, dedup.NewMemoryStore(0), nil, time.Millisecond)
	return &notifierFixture{repo: repo, sender: snd, bus: b, notif: notif}
}

func confirmedEnvelope(t *testing.T, orderID uuid.UUID) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(ordermodels.EventOrderConfirmed, ordermodels.OrderEventVersion,
		"corr-"+orderID.String()[:8], orderID.String(), ordermodels.OrderConfirmedPayload{OrderID: orderID})
	require.NoError(t, err)
	return env
}

func cancelledEnvelope(t *testing.T, orderID uuid.UUID, reason string) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(ordermodels.EventOrderCancelled, ordermodels.OrderEventVersion,
		"corr-"+orderID.String()[:8], orderID.String(), ordermodels.OrderCancelledPayload{
			OrderID: orderID,
			Reason:  reason,
		})
	require.NoError(t, err)
	return env
}

func paymentFailedEnvelope(t *testing.T, orderID uuid.UUID, reason string) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(paymentmodels.EventPaymentFailed, paymentmodels.PaymentEventVersion,
		"corr-"+orderID.String()[:8], orderID.String(), paymentmodels.PaymentFailedPayload{
			OrderID: orderID,
			Reason:  reason,
		})
	require.NoError(t, err)
	return env
}

func logsFor(t *testing.T, f *notifierFixture, orderID uuid.UUID) []models.NotificationLog {
	t.Helper()
	logs, err := f.repo.ListByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return logs
}

// ---- tests ----

func TestNotifier_OrderConfirmed_SendsAndLogs(t *testing.T) {
	f := newNotifierFixture(t)
	orderID := uuid.New()

	require.NoError(t, f.notif.Handle(context.Background(), confirmedEnvelope(t, orderID)))

	require.Len(t, f.sender.sent, 1)
	msg := f.sender.sent[0]
	assert.Equal(t, testRecipient, msg.to)
	assert.Contains(t, msg.subject, "confirmed")
	assert.Contains(t, msg.body, orderID.String())

	logs := logsFor(t, f, orderID)
	require.Len(t, logs, 1)
	assert.Equal(t, models.TypeOrderConfirmed, logs[0].Type)
	assert.Equal(t, models.StatusSent, logs[0].Status)
	assert.Equal(t, models.ChannelLog, logs[0].Channel)
	assert.Equal(t, testRecipient, logs[0].Recipient)
	assert.Equal(t, 0, logs[0].RetryCount)

	// The notifier is a leaf; nothing goes back to the bus.
	assert.Empty(t, f.bus.published)
}

func TestNotifier_OrderCancelled_IncludesReason(t *testing.T) {
	f := newNotifierFixture(t)
	orderID := uuid.New()

	require.NoError(t, f.notif.Handle(context.Background(), cancelledEnvelope(t, orderID, "reservation expired before finalize")))

	require.Len(t, f.sender.sent, 1)
	assert.Contains(t, f.sender.sent[0].subject, "cancelled")
	assert.Contains(t, f.sender.sent[0].body, "reservation expired before finalize")

	logs := logsFor(t, f, orderID)
	require.Len(t, logs, 1)
	assert.Equal(t, models.TypeOrderCancelled, logs[0].Type)
}

func TestNotifier_OrderCancelled_EmptyReasonDefaults(t *testing.T) {
	f := newNotifierFixture(t)
	orderID := uuid.New()

	require.NoError(t, f.notif.Handle(context.Background(), cancelledEnvelope(t, orderID, "")))

	require.Len(t, f.sender.sent, 1)
	assert.Contains(t, f.sender.sent[0].body, "no reason given")
}

func TestNotifier_PaymentFailed_SendsAndLogs(t *testing.T) {
	f := newNotifierFixture(t)
	orderID := uuid.New()

	require.NoError(t, f.notif.Handle(context.Background(), paymentFailedEnvelope(t, orderID, "card declined")))

	require.Len(t, f.sender.sent, 1)
	assert.Contains(t, f.sender.sent[0].subject, "Payment failed")
	assert.Contains(t, f.sender.sent[0].body, "card declined")

	logs := logsFor(t, f, orderID)
	require.Len(t, logs, 1)
	assert.Equal(t, models.TypePaymentFailed, logs[0].Type)
	assert.Equal(t, models.StatusSent, logs[0].Status)
}

func TestNotifier_RetriesThenSends(t *testing.T) {
	f := newNotifierFixture(t)
	f.sender.failures = 2
	f.sender.err = errors.New("smtp connect refused")
	orderID := uuid.New()

	require.NoError(t, f.notif.Handle(context.Background(), confirmedEnvelope(t, orderID)))

	assert.Equal(t, 3, f.sender.attempts)
	require.Len(t, f.sender.sent, 1)

	logs := logsFor(t, f, orderID)
	require.Len(t, logs, 1)
	assert.Equal(t, models.StatusSent, logs[0].Status)
	assert.Equal(t, 2, logs[0].RetryCount)
}

func TestNotifier_Undeliverable_RecordsFailure(t *testing.T) {
	f := newNotifierFixture(t)
	f.sender.failures = 99
	f.sender.err = errors.New("smtp 554 rejected")
	orderID := uuid.New()

	// Delivery gives up after the retries; the event is still consumed.
	require.NoError(t, f.notif.Handle(context.Background(), confirmedEnvelope(t, orderID)))

	assert.Equal(t, 3, f.sender.attempts)
	assert.Empty(t, f.sender.sent)

	logs := logsFor(t, f, orderID)
	require.Len(t, logs, 1)
	assert.Equal(t, models.StatusFailed, logs[0].Status)
	assert.Equal(t, 2, logs[0].RetryCount)
	assert.Contains(t, logs[0].Error, "smtp 554")
}

func TestNotifier_DuplicateDelivery_SingleSend(t *testing.T) {
	f := newNotifierFixture(t)
	orderID := uuid.New()
	env := confirmedEnvelope(t, orderID)

	require.NoError(t, f.notif.Handle(context.Background(), env))
	require.NoError(t, f.notif.Handle(context.Background(), env))

	assert.Len(t, f.sender.sent, 1)
	assert.Len(t, logsFor(t, f, orderID), 1)
}

func TestNotifier_IgnoresForeignEvents(t *testing.T) {
	f := newNotifierFixture(t)
	orderID := uuid.New()

	created, err := bus.NewEnvelope(ordermodels.EventOrderCreated, ordermodels.OrderEventVersion,
		"corr-1", orderID.String(), ordermodels.OrderCreatedPayload{OrderID: orderID, Amount: 500})
	require.NoError(t, err)
	succeeded, err := bus.NewEnvelope(paymentmodels.EventPaymentSucceeded, paymentmodels.PaymentEventVersion,
		"corr-1", orderID.String(), paymentmodels.PaymentSucceededPayload{OrderID: orderID, Amount: 500})
	require.NoError(t, err)

	require.NoError(t, f.notif.Handle(context.Background(), created))
	require.NoError(t, f.notif.Handle(context.Background(), succeeded))

	assert.Empty(t, f.sender.sent)
	assert.Empty(t, logsFor(t, f, orderID))
}

func TestNotifier_UnknownVersion_Permanent(t *testing.T) {
	f := newNotifierFixture(t)

	env := confirmedEnvelope(t, uuid.New())
	env.Version = 99

	err := f.notif.Handle(context.Background(), env)
	require.Error(t, err)
	assert.True(t, bus.IsPermanent(err))
	assert.Empty(t, f.sender.sent)
}

func TestNotifier_MalformedPayload_Permanent(t *testing.T) {
	f := newNotifierFixture(t)

	env := confirmedEnvelope(t, uuid.New())
	env.Payload = []byte(`{"order_id": 42}`)

	err := f.notif.Handle(context.Background(), env)
	require.Error(t, err)
	assert.True(t, bus.IsPermanent(err))
	assert.Empty(t, f.sender.sent)
}

func TestNotifier_Register_SubscribesBothTopics(t *testing.T) {
	f := newNotifierFixture(t)
	require.NoError(t, f.notif.Register())
	assert.Equal(t, []string{
		bus.TopicOrders + "/" + services.ConsumerGroup,
		bus.TopicPayments + "/" + services.ConsumerGroup,
	}, f.bus.subscribed)
}
