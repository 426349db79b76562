package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/common/logger"
	"github.com/yashrajoria/order-saga/pkg/clock"
	"github.com/yashrajoria/order-saga/services/inventory/models"
	"github.com/yashrajoria/order-saga/services/inventory/repository"
	"github.com/yashrajoria/order-saga/services/inventory/services"
)

func init() {
	logger.Initialize("development")
}

// ---- helpers ----

func seedStock(t *testing.T, repo *repository.MemoryInventoryRepository, productID uuid.UUID, warehouseID string, available int) {
	t.Helper()
	err := repo.UpsertStock(context.Background(), &models.Stock{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Available:   available,
	})
	require.NoError(t, err)
}

func getStock(t *testing.T, repo *repository.MemoryInventoryRepository, productID uuid.UUID, warehouseID string) *models.Stock {
	t.Helper()
	stock, err := repo.GetStock(context.Background(), productID, warehouseID)
	require.NoError(t, err)
	return stock
}

func line(productID uuid.UUID, warehouseID string, qty int) models.LineRequest {
	return models.LineRequest{ProductID: productID, WarehouseID: warehouseID, Quantity: qty}
}

// ---- tests ----

func TestReserve_HoldsAllLines(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := services.NewReservationService(repo, clk, 15*time.Minute)

	p1, p2 := uuid.New(), uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)
	seedStock(t, repo, p2, "wh-1", 4)

	orderID := uuid.New()
	reservation, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{
		line(p1, "wh-1", 3),
		line(p2, "wh-1", 4),
	})
	require.NoError(t, err)

	assert.Equal(t, models.ReservationActive, reservation.Status)
	assert.Equal(t, orderID, reservation.OrderID)
	assert.Equal(t, clk.Now().Add(15*time.Minute), reservation.ExpiresAt)
	assert.Len(t, reservation.Lines, 2)

	s1 := getStock(t, repo, p1, "wh-1")
	assert.Equal(t, 7, s1.Available)
	assert.Equal(t, 3, s1.Reserved)
	s2 := getStock(t, repo, p2, "wh-1")
	assert.Equal(t, 0, s2.Available)
	assert.Equal(t, 4, s2.Reserved)
}

func TestReserve_AllOrNothing(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	p1, p2 := uuid.New(), uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)
	seedStock(t, repo, p2, "wh-1", 1)

	_, err := svc.Reserve(context.Background(), uuid.New(), "corr-1", []models.LineRequest{
		line(p1, "wh-1", 3),
		line(p2, "wh-1", 2),
	})
	assert.ErrorIs(t, err, commonerrors.ErrInsufficientStock)

	// The first line must have been rolled back with the second.
	s1 := getStock(t, repo, p1, "wh-1")
	assert.Equal(t, 10, s1.Available)
	assert.Equal(t, 0, s1.Reserved)
}

func TestReserve_UnknownProduct(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	_, err := svc.Reserve(context.Background(), uuid.New(), "corr-1", []models.LineRequest{
		line(uuid.New(), "wh-1", 1),
	})
	assert.ErrorIs(t, err, commonerrors.ErrInsufficientStock)
}

func TestReserve_IdempotentPerOrder(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	p1 := uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)

	orderID := uuid.New()
	first, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 2)})
	require.NoError(t, err)

	second, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 2)})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	s1 := getStock(t, repo, p1, "wh-1")
	assert.Equal(t, 8, s1.Available)
	assert.Equal(t, 2, s1.Reserved)
}

func TestReserve_AfterRelease(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	p1 := uuid.New()
	seedStock(t, repo, p1, "wh-1", 5)

	orderID := uuid.New()
	_, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 2)})
	require.NoError(t, err)
	_, released, err := svc.Release(context.Background(), orderID, "test")
	require.NoError(t, err)
	require.True(t, released)

	_, err = svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 2)})
	assert.ErrorIs(t, err, commonerrors.ErrReservationExpired)
}

func TestFinalize_BurnsReservedStock(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	p1 := uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)

	orderID := uuid.New()
	_, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 4)})
	require.NoError(t, err)

	reservation, err := svc.Finalize(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationFulfilled, reservation.Status)

	s1 := getStock(t, repo, p1, "wh-1")
	assert.Equal(t, 6, s1.Available)
	assert.Equal(t, 0, s1.Reserved)
}

func TestFinalize_Idempotent(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	p1 := uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)

	orderID := uuid.New()
	_, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 4)})
	require.NoError(t, err)

	_, err = svc.Finalize(context.Background(), orderID)
	require.NoError(t, err)
	reservation, err := svc.Finalize(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationFulfilled, reservation.Status)

	// Stock must not be burned twice.
	s1 := getStock(t, repo, p1, "wh-1")
	assert.Equal(t, 6, s1.Available)
	assert.Equal(t, 0, s1.Reserved)
}

func TestFinalize_ExpiredReservation(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := services.NewReservationService(repo, clk, 15*time.Minute)

	p1 := uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)

	orderID := uuid.New()
	_, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 4)})
	require.NoError(t, err)

	clk.Advance(16 * time.Minute)

	reservation, err := svc.Finalize(context.Background(), orderID)
	assert.ErrorIs(t, err, commonerrors.ErrReservationExpired)
	assert.Equal(t, models.ReservationReleased, reservation.Status)

	// The lapsed hold was swept inline and the stock handed back.
	s1 := getStock(t, repo, p1, "wh-1")
	assert.Equal(t, 10, s1.Available)
	assert.Equal(t, 0, s1.Reserved)
}

func TestFinalize_MissingReservation(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	_, err := svc.Finalize(context.Background(), uuid.New())
	assert.ErrorIs(t, err, commonerrors.ErrReservationNotFound)
}

func TestRelease_ReturnsStock(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	p1 := uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)

	orderID := uuid.New()
	_, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 4)})
	require.NoError(t, err)

	reservation, released, err := svc.Release(context.Background(), orderID, "payment failed")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, models.ReservationReleased, reservation.Status)

	s1 := getStock(t, repo, p1, "wh-1")
	assert.Equal(t, 10, s1.Available)
	assert.Equal(t, 0, s1.Reserved)
}

func TestRelease_Idempotent(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	p1 := uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)

	orderID := uuid.New()
	_, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 4)})
	require.NoError(t, err)

	_, released, err := svc.Release(context.Background(), orderID, "first")
	require.NoError(t, err)
	require.True(t, released)

	_, released, err = svc.Release(context.Background(), orderID, "second")
	require.NoError(t, err)
	assert.False(t, released)

	s1 := getStock(t, repo, p1, "wh-1")
	assert.Equal(t, 10, s1.Available)
	assert.Equal(t, 0, s1.Reserved)
}

func TestRelease_MissingReservation(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	reservation, released, err := svc.Release(context.Background(), uuid.New(), "nothing held")
	assert.NoError(t, err)
	assert.False(t, released)
	assert.Nil(t, reservation)
}

func TestRelease_FulfilledReservation(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	svc := services.NewReservationService(repo, nil, 0)

	p1 := uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)

	orderID := uuid.New()
	_, err := svc.Reserve(context.Background(), orderID, "corr-1", []models.LineRequest{line(p1, "wh-1", 4)})
	require.NoError(t, err)
	_, err = svc.Finalize(context.Background(), orderID)
	require.NoError(t, err)

	reservation, released, err := svc.Release(context.Background(), orderID, "late cancel")
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, models.ReservationFulfilled, reservation.Status)

	s1 := getStock(t, repo, p1, "wh-1")
	assert.Equal(t, 6, s1.Available)
	assert.Equal(t, 0, s1.Reserved)
}

func TestSweepExpired_ReleasesOnlyLapsed(t *testing.T) {
	repo := repository.NewMemoryInventoryRepository()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := services.NewReservationService(repo, clk, 15*time.Minute)

	p1 := uuid.New()
	seedStock(t, repo, p1, "wh-1", 10)

	lapsedOrder := uuid.New()
	_, err := svc.Reserve(context.Background(), lapsedOrder, "corr-1", []models.LineRequest{line(p1, "wh-1", 3)})
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	freshOrder := uuid.New()
	_, err = svc.Reserve(context.Background(), freshOrder, "corr-2", []models.LineRequest{line(p1, "wh-1", 2)})
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)

	released, err := svc.SweepExpired(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, lapsedOrder, released[0].OrderID)
	assert.Equal(t, models.ReservationReleased, released[0].Status)

	s1 := getStock(t, repo, p1, "wh-1")
	assert.Equal(t, 8, s1.Available)
	assert.Equal(t, 2, s1.Reserved)

	// A second sweep finds nothing new.
	released, err = svc.SweepExpired(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, released)
}
