package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yashrajoria/order-saga/common/logger"
	pkgaws "github.com/yashrajoria/order-saga/pkg/aws"
	"github.com/yashrajoria/order-saga/pkg/bus"
	"github.com/yashrajoria/order-saga/services/inventory/models"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultSweepBatch    = 100
)

// Sweeper periodically hands back stock held by reservations that
// outlived their deadline and announces each one on the bus. The event
// ID is derived from the reservation ID, so a sweep racing another
// announcer for the same reservation can never mint a second event.
type Sweeper struct {
	reservations *ReservationService
	bus          bus.Bus
	metrics      *pkgaws.MetricsClient
	interval     time.Duration
	batch        int
}

func NewSweeper(reservations *ReservationService, b bus.Bus, metrics *pkgaws.MetricsClient, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &Sweeper{
		reservations: reservations,
		bus:          b,
		metrics:      metrics,
		interval:     interval,
		batch:        batch,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info(ctx, "Reservation sweeper started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Reservation sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep releases one batch of expired reservations and publishes a
// release event for each.
func (s *Sweeper) Sweep(ctx context.Context) {
	released, err := s.reservations.SweepExpired(ctx, s.batch)
	if err != nil {
		logger.Error(ctx, "Reservation sweep failed", err)
		return
	}

	for _, reservation := range released {
		env, err := bus.NewEnvelope(models.EventInventoryReleased, models.InventoryEventVersion,
			reservation.CorrelationID, reservation.OrderID.String(), models.InventoryReleasedPayload{
				OrderID:       reservation.OrderID,
				ReservationID: reservation.ID,
				Reason:        "reservation expired",
			})
		if err != nil {
			logger.Error(ctx, "Failed to build release event", err,
				zap.String("reservationId", reservation.ID.String()))
			continue
		}
		env.EventID = bus.DeterministicID(reservation.ID.String(), models.EventInventoryReleased)

		if err := s.bus.Publish(ctx, bus.TopicInventory, env); err != nil {
			// The released state is still visible to Finalize, which
			// reports expiry inline when payment settles late.
			logger.Error(ctx, "Failed to publish release event", err,
				zap.String("orderId", reservation.OrderID.String()))
			continue
		}
		s.count(pkgaws.MetricReservationsSwept)
	}
}

func (s *Sweeper) count(metric string) {
	if s.metrics == nil || !s.metrics.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metrics.RecordCount(ctx, metric, map[string]string{"Service": ConsumerGroup})
	}()
}
