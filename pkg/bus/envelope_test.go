package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashrajoria/order-saga/pkg/bus"
)

type testPayload struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

func TestNewEnvelope_PopulatesRequiredFields(t *testing.T) {
	env, err := bus.NewEnvelope("order.created", 1, "corr-1", "order-1", testPayload{OrderID: "order-1", Amount: 4200})
	require.NoError(t, err)

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "order.created", env.EventType)
	assert.Equal(t, 1, env.Version)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, "order-1", env.PartitionKey)
	assert.WithinDuration(t, time.Now().UTC(), env.Timestamp, time.Minute)
	assert.NoError(t, env.Validate())

	var decoded testPayload
	require.NoError(t, env.Decode(&decoded))
	assert.Equal(t, int64(4200), decoded.Amount)
}

func TestDerive_InheritsCorrelationAndKey(t *testing.T) {
	parent, err := bus.NewEnvelope("order.created", 1, "corr-7", "order-7", testPayload{OrderID: "order-7"})
	require.NoError(t, err)

	child, err := bus.Derive(parent, "payment.success", 1, testPayload{OrderID: "order-7"})
	require.NoError(t, err)

	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	assert.Equal(t, parent.PartitionKey, child.PartitionKey)
	assert.NotEqual(t, parent.EventID, child.EventID)
}

func TestDerive_EventIDIsStableAcrossRedelivery(t *testing.T) {
	parent, err := bus.NewEnvelope("order.created", 1, "corr-9", "order-9", testPayload{OrderID: "order-9"})
	require.NoError(t, err)

	first, err := bus.Derive(parent, "payment.success", 1, testPayload{OrderID: "order-9"})
	require.NoError(t, err)
	second, err := bus.Derive(parent, "payment.success", 1, testPayload{OrderID: "order-9"})
	require.NoError(t, err)

	assert.Equal(t, first.EventID, second.EventID)

	other, err := bus.Derive(parent, "payment.failed", 1, testPayload{OrderID: "order-9"})
	require.NoError(t, err)
	assert.NotEqual(t, first.EventID, other.EventID)
}

func TestEnvelope_ValidateRejectsMissingFields(t *testing.T) {
	env, err := bus.NewEnvelope("order.created", 1, "corr-1", "order-1", testPayload{})
	require.NoError(t, err)

	missingKey := env
	missingKey.PartitionKey = ""
	assert.Error(t, missingKey.Validate())

	missingType := env
	missingType.EventType = ""
	assert.Error(t, missingType.Validate())

	missingVersion := env
	missingVersion.Version = 0
	assert.Error(t, missingVersion.Validate())
}

func TestRetryPolicy_BackoffDoublesAndCaps(t *testing.T) {
	p := bus.RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 30*time.Second, p.Backoff(10))
}

func TestPermanent_Detection(t *testing.T) {
	base := assert.AnError
	assert.False(t, bus.IsPermanent(base))
	assert.True(t, bus.IsPermanent(bus.Permanent(base)))
	assert.Nil(t, bus.Permanent(nil))
}
