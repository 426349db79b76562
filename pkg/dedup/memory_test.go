package dedup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashrajoria/order-saga/pkg/dedup"
)

func TestMemoryStore_MarkProcessedIsCheckAndSet(t *testing.T) {
	store := dedup.NewMemoryStore(time.Minute)
	ctx := context.Background()

	seen, err := store.HasProcessed(ctx, "orders", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	first, err := store.MarkProcessed(ctx, "orders", "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.MarkProcessed(ctx, "orders", "evt-1")
	require.NoError(t, err)
	assert.False(t, second)

	seen, err = store.HasProcessed(ctx, "orders", "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryStore_GroupsAreIndependent(t *testing.T) {
	store := dedup.NewMemoryStore(time.Minute)
	ctx := context.Background()

	_, err := store.MarkProcessed(ctx, "orders", "evt-1")
	require.NoError(t, err)

	seen, err := store.HasProcessed(ctx, "payments", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen, "marker for one group must not leak into another")
}

func TestMemoryStore_ConcurrentMarkersSingleWinner(t *testing.T) {
	store := dedup.NewMemoryStore(time.Minute)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.MarkProcessed(ctx, "orders", "evt-race")
			if err == nil && ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestMemoryStore_MarkersExpire(t *testing.T) {
	store := dedup.NewMemoryStore(10 * time.Millisecond)
	ctx := context.Background()

	_, err := store.MarkProcessed(ctx, "orders", "evt-2")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	seen, err := store.HasProcessed(ctx, "orders", "evt-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryStore_ReserveLifecycle(t *testing.T) {
	store := dedup.NewMemoryStore(time.Minute)
	ctx := context.Background()

	state, result, err := store.Reserve(ctx, "charge:order-1")
	require.NoError(t, err)
	assert.Equal(t, dedup.KeyFresh, state)
	assert.Nil(t, result)

	// Second reservation while the command is in flight.
	state, result, err = store.Reserve(ctx, "charge:order-1")
	require.NoError(t, err)
	assert.Equal(t, dedup.KeyInProgress, state)
	assert.Nil(t, result)

	require.NoError(t, store.Complete(ctx, "charge:order-1", dedup.CommandResult{
		Status:    "succeeded",
		Reference: "ch_123",
	}))

	state, result, err = store.Reserve(ctx, "charge:order-1")
	require.NoError(t, err)
	assert.Equal(t, dedup.KeyCompleted, state)
	require.NotNil(t, result)
	assert.Equal(t, "succeeded", result.Status)
	assert.Equal(t, "ch_123", result.Reference)
	assert.False(t, result.StoredAt.IsZero())
}

func TestMemoryStore_ReleaseFreesKey(t *testing.T) {
	store := dedup.NewMemoryStore(time.Minute)
	ctx := context.Background()

	state, _, err := store.Reserve(ctx, "charge:order-2")
	require.NoError(t, err)
	require.Equal(t, dedup.KeyFresh, state)

	require.NoError(t, store.Release(ctx, "charge:order-2"))

	state, _, err = store.Reserve(ctx, "charge:order-2")
	require.NoError(t, err)
	assert.Equal(t, dedup.KeyFresh, state, "released key must be claimable again")
}
