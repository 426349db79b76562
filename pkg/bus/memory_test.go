package bus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yashrajoria/order-saga/pkg/bus"
)

func fastPolicy() bus.RetryPolicy {
	return bus.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func newTestBus(dead bus.DeadLetterStore) *bus.MemoryBus {
	logger, _ := zap.NewDevelopment()
	b := bus.NewMemoryBus(dead, logger)
	b.SetRetryPolicy(fastPolicy())
	return b
}

func mustEnvelope(t *testing.T, eventType, key string, seq int) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(eventType, 1, "corr-"+key, key, map[string]int{"seq": seq})
	require.NoError(t, err)
	return env
}

func TestMemoryBus_DeliversToEveryGroup(t *testing.T) {
	b := newTestBus(nil)
	defer b.Close()

	var mu sync.Mutex
	got := map[string]int{}
	handler := func(group string) bus.Handler {
		return func(_ context.Context, env bus.Envelope) error {
			mu.Lock()
			got[group]++
			mu.Unlock()
			return nil
		}
	}
	require.NoError(t, b.Subscribe(bus.TopicOrders, "inventory", handler("inventory")))
	require.NoError(t, b.Subscribe(bus.TopicOrders, "payments", handler("payments")))

	require.NoError(t, b.Publish(context.Background(), bus.TopicOrders, mustEnvelope(t, "order.created", "order-1", 1)))
	b.Wait()

	assert.Equal(t, 1, got["inventory"])
	assert.Equal(t, 1, got["payments"])
}

func TestMemoryBus_KeepsPartitionKeyOrder(t *testing.T) {
	b := newTestBus(nil)
	defer b.Close()

	var mu sync.Mutex
	seen := map[string][]int{}
	require.NoError(t, b.Subscribe(bus.TopicOrders, "orders", func(_ context.Context, env bus.Envelope) error {
		var payload map[string]int
		if err := env.Decode(&payload); err != nil {
			return err
		}
		mu.Lock()
		seen[env.PartitionKey] = append(seen[env.PartitionKey], payload["seq"])
		mu.Unlock()
		return nil
	}))

	keys := []string{"order-a", "order-b", "order-c"}
	for seq := 1; seq <= 20; seq++ {
		for _, key := range keys {
			require.NoError(t, b.Publish(context.Background(), bus.TopicOrders, mustEnvelope(t, "order.created", key, seq)))
		}
	}
	b.Wait()

	for _, key := range keys {
		require.Len(t, seen[key], 20, "key %s", key)
		for i, seq := range seen[key] {
			assert.Equal(t, i+1, seq, "key %s position %d", key, i)
		}
	}
}

func TestMemoryBus_RedeliversUntilSuccess(t *testing.T) {
	dead := bus.NewMemoryDeadLetterStore()
	b := newTestBus(dead)
	defer b.Close()

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, b.Subscribe(bus.TopicPayments, "orders", func(_ context.Context, _ bus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient store outage")
		}
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), bus.TopicPayments, mustEnvelope(t, "payment.success", "order-1", 1)))
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)

	letters, err := dead.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestMemoryBus_DeadLettersAfterExhaustedRetries(t *testing.T) {
	dead := bus.NewMemoryDeadLetterStore()
	b := newTestBus(dead)
	defer b.Close()

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, b.Subscribe(bus.TopicPayments, "orders", func(_ context.Context, _ bus.Envelope) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("still broken")
	}))

	env := mustEnvelope(t, "payment.failed", "order-2", 1)
	require.NoError(t, b.Publish(context.Background(), bus.TopicPayments, env))
	b.Wait()

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	letters, err := dead.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, bus.TopicPayments, letters[0].Topic)
	assert.Equal(t, "orders", letters[0].Group)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, env.EventID, letters[0].Envelope.EventID)
	assert.Contains(t, letters[0].LastError, "still broken")
}

func TestMemoryBus_PermanentErrorSkipsRetries(t *testing.T) {
	dead := bus.NewMemoryDeadLetterStore()
	b := newTestBus(dead)
	defer b.Close()

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, b.Subscribe(bus.TopicOrders, "orders", func(_ context.Context, _ bus.Envelope) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return bus.Permanent(errors.New("unknown payload version 9"))
	}))

	require.NoError(t, b.Publish(context.Background(), bus.TopicOrders, mustEnvelope(t, "order.created", "order-3", 1)))
	b.Wait()

	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()

	letters, err := dead.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 1, letters[0].Attempts)
}

func TestMemoryBus_HandlerCascadesAreWaitedOn(t *testing.T) {
	b := newTestBus(nil)
	defer b.Close()

	var mu sync.Mutex
	var outcomes []string
	require.NoError(t, b.Subscribe(bus.TopicOrders, "inventory", func(ctx context.Context, env bus.Envelope) error {
		follow, err := bus.Derive(env, "inventory.reserved", 1, map[string]string{"order_id": env.PartitionKey})
		if err != nil {
			return err
		}
		return b.Publish(ctx, bus.TopicInventory, follow)
	}))
	require.NoError(t, b.Subscribe(bus.TopicInventory, "orders", func(_ context.Context, env bus.Envelope) error {
		mu.Lock()
		outcomes = append(outcomes, env.EventType)
		mu.Unlock()
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), bus.TopicOrders, mustEnvelope(t, "order.created", "order-4", 1)))
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"inventory.reserved"}, outcomes)
}

func TestMemoryBus_RejectsInvalidEnvelope(t *testing.T) {
	b := newTestBus(nil)
	defer b.Close()

	env := mustEnvelope(t, "order.created", "order-5", 1)
	env.CorrelationID = ""
	assert.Error(t, b.Publish(context.Background(), bus.TopicOrders, env))
}

func TestMemoryBus_ClosedBusRefusesPublish(t *testing.T) {
	b := newTestBus(nil)
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), bus.TopicOrders, mustEnvelope(t, "order.created", "order-6", 1))
	assert.ErrorIs(t, err, bus.ErrBusClosed)
}

func TestMemoryBus_DuplicateGroupRejected(t *testing.T) {
	b := newTestBus(nil)
	defer b.Close()

	noop := func(_ context.Context, _ bus.Envelope) error { return nil }
	require.NoError(t, b.Subscribe(bus.TopicOrders, "orders", noop))
	assert.Error(t, b.Subscribe(bus.TopicOrders, "orders", noop))
}

func TestMemoryDeadLetterStore_ListsNewestFirst(t *testing.T) {
	store := bus.NewMemoryDeadLetterStore()
	for i := 0; i < 3; i++ {
		env := bus.Envelope{EventID: fmt.Sprintf("evt-%d", i)}
		require.NoError(t, store.Add(context.Background(), bus.DeadLetter{Envelope: env, Attempts: i + 1}))
	}

	letters, err := store.List(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "evt-2", letters[0].Envelope.EventID)
	assert.Equal(t, "evt-1", letters[1].Envelope.EventID)
}
