package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/common/logger"
	"github.com/yashrajoria/order-saga/pkg/bus"
	"github.com/yashrajoria/order-saga/pkg/dedup"
	"github.com/yashrajoria/order-saga/services/payment/models"
	"github.com/yashrajoria/order-saga/services/payment/repository"
	"github.com/yashrajoria/order-saga/services/payment/services"
)

func init() {
	logger.Initialize("development")
}

// ---- capture bus ----

type capturedEvent struct {
	topic string
	env   bus.Envelope
}

type captureBus struct {
	published  []capturedEvent
	publishErr error
	subscribed []string
}

func (b *captureBus) Publish(_ context.Context, topic string, env bus.Envelope) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, capturedEvent{topic: topic, env: env})
	return nil
}

func (b *captureBus) Subscribe(topic, group string, _ bus.Handler) error {
	b.subscribed = append(b.subscribed, topic+"/"+group)
	return nil
}

// ---- helpers ----

type paymentFixture struct {
	repo    *repository.MemoryPaymentRepository
	gateway *services.FakeGateway
	svc     *services.PaymentService
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	repo := repository.NewMemoryPaymentRepository()
	gateway := services.NewFakeGateway()
	svc := services.NewPaymentService(repo, gateway, dedup.NewMemoryStore(0))
	return &paymentFixture{repo: repo, gateway: gateway, svc: svc}
}

// ---- tests ----

func TestCharge_Succeeds(t *testing.T) {
	f := newPaymentFixture(t)
	orderID := uuid.New()

	record, err := f.svc.Charge(context.Background(), orderID, 750)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, record.Status)
	assert.NotEmpty(t, record.Reference)
	assert.Equal(t, 750, record.Amount)

	stored, err := f.repo.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, stored.Status)

	require.Len(t, f.gateway.Charges, 1)
	assert.Equal(t, "charge:"+orderID.String(), f.gateway.Charges[0].IdempotencyKey)
	assert.Equal(t, services.DefaultCurrency, f.gateway.Charges[0].Currency)
}

func TestCharge_Declined(t *testing.T) {
	f := newPaymentFixture(t)
	f.gateway.Decline("card declined")
	orderID := uuid.New()

	record, err := f.svc.Charge(context.Background(), orderID, 750)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentDeclined, record.Status)
	assert.Contains(t, record.FailureReason, "card declined")

	stored, err := f.repo.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentDeclined, stored.Status)
}

func TestCharge_SecondCallReplaysOutcome(t *testing.T) {
	f := newPaymentFixture(t)
	orderID := uuid.New()

	first, err := f.svc.Charge(context.Background(), orderID, 500)
	require.NoError(t, err)
	second, err := f.svc.Charge(context.Background(), orderID, 500)
	require.NoError(t, err)

	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, models.PaymentSucceeded, second.Status)
	assert.Equal(t, 1, f.gateway.ChargeCount())
}

func TestCharge_TransientFailureFreesKey(t *testing.T) {
	f := newPaymentFixture(t)
	f.gateway.ChargeErr = commonerrors.Wrap(commonerrors.ErrTransientGateway, errors.New("network timeout"))
	orderID := uuid.New()

	_, err := f.svc.Charge(context.Background(), orderID, 500)
	require.Error(t, err)
	assert.True(t, errors.Is(err, commonerrors.ErrTransientGateway))

	// The retry claims the key again and lands the charge.
	f.gateway.ChargeErr = nil
	record, err := f.svc.Charge(context.Background(), orderID, 500)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, record.Status)
	assert.Equal(t, 1, f.gateway.ChargeCount())
}

func TestRefund_AfterCapture(t *testing.T) {
	f := newPaymentFixture(t)
	orderID := uuid.New()

	charged, err := f.svc.Charge(context.Background(), orderID, 500)
	require.NoError(t, err)

	record, refunded, err := f.svc.Refund(context.Background(), orderID)
	require.NoError(t, err)
	assert.True(t, refunded)
	assert.Equal(t, models.PaymentRefunded, record.Status)

	require.Len(t, f.gateway.Refunds, 1)
	assert.Equal(t, charged.Reference, f.gateway.Refunds[0])
}

func TestRefund_NothingCharged(t *testing.T) {
	f := newPaymentFixture(t)

	record, refunded, err := f.svc.Refund(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, refunded)
	assert.Nil(t, record)
	assert.Empty(t, f.gateway.Refunds)
}

func TestRefund_DeclinedCharge_NoOp(t *testing.T) {
	f := newPaymentFixture(t)
	f.gateway.Decline("card declined")
	orderID := uuid.New()

	_, err := f.svc.Charge(context.Background(), orderID, 500)
	require.NoError(t, err)

	record, refunded, err := f.svc.Refund(context.Background(), orderID)
	require.NoError(t, err)
	assert.False(t, refunded)
	assert.Equal(t, models.PaymentDeclined, record.Status)
	assert.Empty(t, f.gateway.Refunds)
}

func TestRefund_Twice_SingleProviderCall(t *testing.T) {
	f := newPaymentFixture(t)
	orderID := uuid.New()

	_, err := f.svc.Charge(context.Background(), orderID, 500)
	require.NoError(t, err)

	_, refunded, err := f.svc.Refund(context.Background(), orderID)
	require.NoError(t, err)
	assert.True(t, refunded)

	_, refunded, err = f.svc.Refund(context.Background(), orderID)
	require.NoError(t, err)
	assert.False(t, refunded)
	assert.Len(t, f.gateway.Refunds, 1)
}
