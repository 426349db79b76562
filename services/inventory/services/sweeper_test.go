package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashrajoria/order-saga/pkg/bus"
	"github.com/yashrajoria/order-saga/pkg/clock"
	"github.com/yashrajoria/order-saga/services/inventory/models"
	"github.com/yashrajoria/order-saga/services/inventory/repository"
	"github.com/yashrajoria/order-saga/services/inventory/services"
)

func TestSweeper_PublishesReleaseForLapsedHolds(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := services.NewReservationService(repo, clk, 15*time.Minute)
	b := &captureBus{}
	sweeper := services.NewSweeper(svc, b, nil, time.Minute, 100)

	p1 := uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)

	orderID := uuid.New()
	reservation, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 4)})
	require.NoError(t, err)

	clk.Advance(20 * time.Minute)
	sweeper.Sweep(context.Background())

	require.Len(t, b.published, 1)
	out := b.published[0]
	assert.Equal(t, bus.TopicInventory, out.topic)
	assert.Equal(t, models.EventInventoryReleased, out.env.EventType)
	assert.Equal(t, orderID.String(), out.env.PartitionKey)
	assert.Equal(t, "corr-1", out.env.CorrelationID)
	assert.Equal(t, bus.DeterministicID(reservation.ID.String(), models.EventInventoryReleased), out.env.EventID)

	var payload models.InventoryReleasedPayload
	require.NoError(t, out.env.Decode(&payload))
	assert.Equal(t, orderID, payload.OrderID)
	assert.Equal(t, reservation.ID, payload.ReservationID)

	stock, err := repo.GetStock(context.Background(), p1, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, 10, stock.Available)
	assert.Equal(t, 0, stock.Reserved)

	// Nothing left for the next pass.
	sweeper.Sweep(context.Background())
	assert.Len(t, b.published, 1)
}
