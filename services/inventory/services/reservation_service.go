package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/common/logger"
	"github.com/yashrajoria/order-saga/pkg/clock"
	"github.com/yashrajoria/order-saga/services/inventory/models"
	"github.com/yashrajoria/order-saga/services/inventory/repository"
)

// DefaultReservationTTL bounds how long reserved stock is held before
// the sweeper hands it back.
const DefaultReservationTTL = 15 * time.Minute

// ReservationService owns stock reservations: all-or-nothing holds with
// a TTL, finalization on payment, and idempotent release.
type ReservationService struct {
	repo repository.InventoryRepository
	clk  clock.Clock
	ttl  time.Duration
}

func NewReservationService(repo repository.InventoryRepository, clk clock.Clock, ttl time.Duration) *ReservationService {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &ReservationService{repo: repo, clk: clk, ttl: ttl}
}

// Reserve places an all-or-nothing hold on every requested line. It is
// idempotent per order: a repeat call returns the reservation already
// held for that order. A hold that already lapsed comes back as
// ErrReservationExpired.
func (s *ReservationService) Reserve(ctx context.Context, orderID uuid.UUID, correlationID string, lines []models.LineRequest) (*models.Reservation, error) {
	if len(lines) == 0 {
		return nil, commonerrors.Wrap(commonerrors.ErrValidation, errors.New("reservation requires at least one line"))
	}

	existing, err := s.repo.GetReservationByOrderID(ctx, orderID)
	if err == nil {
		switch existing.Status {
		case models.ReservationActive, models.ReservationFulfilled:
			logger.Info(ctx, "Reservation already held for order",
				zap.String("orderId", orderID.String()),
				zap.String("reservationId", existing.ID.String()),
				zap.String("status", string(existing.Status)))
			return existing, nil
		default:
			return nil, commonerrors.ErrReservationExpired
		}
	}
	if !errors.Is(err, commonerrors.ErrReservationNotFound) {
		return nil, err
	}

	reservation := &models.Reservation{
		ID:            uuid.New(),
		OrderID:       orderID,
		CorrelationID: correlationID,
		Status:        models.ReservationActive,
		ExpiresAt:     s.clk.Now().Add(s.ttl),
	}
	for _, line := range lines {
		reservation.Lines = append(reservation.Lines, models.ReservationLine{
			ID:            uuid.New(),
			ReservationID: reservation.ID,
			ProductID:     line.ProductID,
			WarehouseID:   line.WarehouseID,
			Quantity:      line.Quantity,
		})
	}

	err = s.repo.WithTx(ctx, func(repo repository.InventoryRepository) error {
		for _, line := range reservation.Lines {
			if err := repo.ReserveStock(ctx, line.ProductID, line.WarehouseID, line.Quantity); err != nil {
				return err
			}
		}
		return repo.CreateReservation(ctx, reservation)
	})
	if err != nil {
		logger.Warn(ctx, "❌ Reservation rejected",
			zap.String("orderId", orderID.String()),
			zap.Error(err))
		return nil, err
	}

	logger.Info(ctx, "📦 Stock reserved",
		zap.String("orderId", orderID.String()),
		zap.String("reservationId", reservation.ID.String()),
		zap.Int("lines", len(reservation.Lines)),
		zap.Time("expiresAt", reservation.ExpiresAt))
	s.warnLowStock(ctx, reservation.Lines)
	return reservation, nil
}

// Finalize turns an active hold into a fulfilled one and burns the
// reserved quantities. Finalizing a fulfilled reservation is a no-op.
// An active hold past its deadline is swept here and reported as
// ErrReservationExpired; the returned reservation carries the released
// state so the caller can announce it.
func (s *ReservationService) Finalize(ctx context.Context, orderID uuid.UUID) (*models.Reservation, error) {
	reservation, err := s.repo.GetReservationByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch reservation.Status {
	case models.ReservationFulfilled:
		return reservation, nil
	case models.ReservationReleased:
		return reservation, commonerrors.ErrReservationExpired
	}

	if reservation.Expired(s.clk.Now()) {
		if _, err := s.releaseHeld(ctx, reservation); err != nil {
			return nil, err
		}
		reservation.Status = models.ReservationReleased
		logger.Warn(ctx, "Reservation lapsed before finalize",
			zap.String("orderId", orderID.String()),
			zap.String("reservationId", reservation.ID.String()))
		return reservation, commonerrors.ErrReservationExpired
	}

	err = s.repo.WithTx(ctx, func(repo repository.InventoryRepository) error {
		won, err := repo.SetReservationStatus(ctx, reservation.ID, models.ReservationActive, models.ReservationFulfilled)
		if err != nil {
			return err
		}
		if !won {
			// Lost to a concurrent sweep or finalize; re-read below.
			return nil
		}
		for _, line := range reservation.Lines {
			if err := repo.CommitStock(ctx, line.ProductID, line.WarehouseID, line.Quantity); err != nil {
				return err
			}
		}
		reservation.Status = models.ReservationFulfilled
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reservation.Status != models.ReservationFulfilled {
		return s.Finalize(ctx, orderID)
	}

	logger.Info(ctx, "✅ Reservation fulfilled",
		zap.String("orderId", orderID.String()),
		zap.String("reservationId", reservation.ID.String()))
	return reservation, nil
}

// Release hands the held stock back. It returns the reservation in its
// post-call state and whether this call did the releasing; repeats and
// releases of fulfilled holds are no-ops. A missing reservation is also
// a no-op so compensation can run before any hold was placed.
func (s *ReservationService) Release(ctx context.Context, orderID uuid.UUID, reason string) (*models.Reservation, bool, error) {
	reservation, err := s.repo.GetReservationByOrderID(ctx, orderID)
	if errors.Is(err, commonerrors.ErrReservationNotFound) {
		logger.Debug(ctx, "No reservation to release", zap.String("orderId", orderID.String()))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if reservation.Status != models.ReservationActive {
		return reservation, false, nil
	}

	released, err := s.releaseHeld(ctx, reservation)
	if err != nil {
		return nil, false, err
	}
	reservation.Status = models.ReservationReleased
	if released {
		logger.Info(ctx, "↩️ Reservation released",
			zap.String("orderId", orderID.String()),
			zap.String("reservationId", reservation.ID.String()),
			zap.String("reason", reason))
	}
	return reservation, released, nil
}

// SweepExpired releases every active reservation whose deadline passed
// and returns the ones this pass released.
func (s *ReservationService) SweepExpired(ctx context.Context, batch int) ([]models.Reservation, error) {
	expired, err := s.repo.ListExpiredActive(ctx, s.clk.Now(), batch)
	if err != nil {
		return nil, err
	}

	var released []models.Reservation
	for i := range expired {
		reservation := expired[i]
		won, err := s.releaseHeld(ctx, &reservation)
		if err != nil {
			logger.Error(ctx, "Failed to sweep reservation", err,
				zap.String("reservationId", reservation.ID.String()))
			continue
		}
		if won {
			reservation.Status = models.ReservationReleased
			released = append(released, reservation)
		}
	}
	if len(released) > 0 {
		logger.Info(ctx, "🧹 Swept expired reservations", zap.Int("count", len(released)))
	}
	return released, nil
}

// releaseHeld flips an active reservation to released and returns the
// stock. Only the caller that wins the status flip touches stock, so
// concurrent release, finalize and sweep never double-count.
func (s *ReservationService) releaseHeld(ctx context.Context, reservation *models.Reservation) (bool, error) {
	won := false
	err := s.repo.WithTx(ctx, func(repo repository.InventoryRepository) error {
		w, err := repo.SetReservationStatus(ctx, reservation.ID, models.ReservationActive, models.ReservationReleased)
		if err != nil {
			return err
		}
		if !w {
			return nil
		}
		won = true
		for _, line := range reservation.Lines {
			if err := repo.ReleaseStock(ctx, line.ProductID, line.WarehouseID, line.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (s *ReservationService) warnLowStock(ctx context.Context, lines []models.ReservationLine) {
	for _, line := range lines {
		stock, err := s.repo.GetStock(ctx, line.ProductID, line.WarehouseID)
		if err != nil {
			continue
		}
		if stock.Threshold > 0 && stock.Available <= stock.Threshold {
			logger.Warn(ctx, "⚠️ Stock below threshold",
				zap.String("productId", line.ProductID.String()),
				zap.String("warehouseId", line.WarehouseID),
				zap.Int("available", stock.Available),
				zap.Int("threshold", stock.Threshold))
		}
	}
}
