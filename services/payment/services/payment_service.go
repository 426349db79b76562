package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/common/logger"
	"github.com/yashrajoria/order-saga/pkg/dedup"
	"github.com/yashrajoria/order-saga/services/payment/models"
	"github.com/yashrajoria/order-saga/services/payment/repository"
)

// PaymentService runs charges and refunds with an at-most-once guard.
// Every charge reserves an idempotency key first; the key is completed
// with the definitive outcome or released on transient failure, and the
// same key travels to the provider so even a crash between the two
// cannot double-charge.
type PaymentService struct {
	repo    repository.PaymentRepository
	gateway Gateway
	keys    dedup.IdempotencyStore
}

func NewPaymentService(repo repository.PaymentRepository, gateway Gateway, keys dedup.IdempotencyStore) *PaymentService {
	return &PaymentService{repo: repo, gateway: gateway, keys: keys}
}

func chargeKey(orderID uuid.UUID) string {
	return "charge:" + orderID.String()
}

// Charge collects payment for the order. The returned record's status
// says what happened: succeeded or declined are definitive; an error
// means the attempt must be retried.
func (s *PaymentService) Charge(ctx context.Context, orderID uuid.UUID, amount int) (*models.PaymentRecord, error) {
	key := chargeKey(orderID)

	state, stored, err := s.keys.Reserve(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reserve charge key: %w", err)
	}

	switch state {
	case dedup.KeyCompleted:
		logger.Info(ctx, "Charge already settled; replaying stored outcome",
			zap.String("orderId", orderID.String()),
			zap.String("outcome", stored.Status))
		return s.repo.GetByOrderID(ctx, orderID)
	case dedup.KeyInProgress:
		return nil, commonerrors.Wrap(commonerrors.ErrTransientGateway,
			fmt.Errorf("charge for order %s still in progress", orderID))
	}

	record, err := s.ensureRecord(ctx, orderID, amount, key)
	if err != nil {
		releaseErr := s.keys.Release(ctx, key)
		if releaseErr != nil {
			logger.Error(ctx, "Failed to release charge key", releaseErr, zap.String("orderId", orderID.String()))
		}
		return nil, err
	}

	result, err := s.gateway.Charge(ctx, ChargeRequest{
		OrderID:        orderID,
		Amount:         amount,
		Currency:       DefaultCurrency,
		IdempotencyKey: key,
	})
	switch {
	case err == nil:
		if err := s.repo.UpdateStatus(ctx, record.ID, models.PaymentSucceeded, result.Reference, ""); err != nil {
			return nil, err
		}
		if err := s.keys.Complete(ctx, key, dedup.CommandResult{
			Status:    string(models.PaymentSucceeded),
			Reference: result.Reference,
		}); err != nil {
			return nil, fmt.Errorf("complete charge key: %w", err)
		}
		record.Status = models.PaymentSucceeded
		record.Reference = result.Reference
		logger.Info(ctx, "💳 Payment captured",
			zap.String("orderId", orderID.String()),
			zap.String("reference", result.Reference),
			zap.Int("amount", amount))
		return record, nil

	case errors.Is(err, commonerrors.ErrPaymentDeclined):
		reason := err.Error()
		if err := s.repo.UpdateStatus(ctx, record.ID, models.PaymentDeclined, "", reason); err != nil {
			return nil, err
		}
		if err := s.keys.Complete(ctx, key, dedup.CommandResult{
			Status: string(models.PaymentDeclined),
			Detail: reason,
		}); err != nil {
			return nil, fmt.Errorf("complete charge key: %w", err)
		}
		record.Status = models.PaymentDeclined
		record.FailureReason = reason
		logger.Warn(ctx, "❌ Payment declined",
			zap.String("orderId", orderID.String()),
			zap.String("reason", reason))
		return record, nil

	default:
		// Transient: free the key so the redelivered event can try again.
		if releaseErr := s.keys.Release(ctx, key); releaseErr != nil {
			logger.Error(ctx, "Failed to release charge key", releaseErr, zap.String("orderId", orderID.String()))
		}
		return nil, err
	}
}

// ensureRecord finds or inserts the pending row for the order.
func (s *PaymentService) ensureRecord(ctx context.Context, orderID uuid.UUID, amount int, key string) (*models.PaymentRecord, error) {
	record := &models.PaymentRecord{
		ID:             uuid.New(),
		OrderID:        orderID,
		Amount:         amount,
		Status:         models.PaymentPending,
		IdempotencyKey: key,
	}
	err := s.repo.Create(ctx, record)
	if errors.Is(err, commonerrors.ErrConflict) {
		// A previous attempt got as far as the insert.
		return s.repo.GetByOrderID(ctx, orderID)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Refund returns the money for a captured charge. The second return is
// true only when this call performed the refund, so the caller logs and
// counts it exactly once. Orders that were never charged, or whose
// charge was declined, are a no-op.
func (s *PaymentService) Refund(ctx context.Context, orderID uuid.UUID) (*models.PaymentRecord, bool, error) {
	record, err := s.repo.GetByOrderID(ctx, orderID)
	if errors.Is(err, commonerrors.ErrPaymentNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	switch record.Status {
	case models.PaymentSucceeded:
	case models.PaymentRefunded:
		logger.Info(ctx, "Charge already refunded; skipping",
			zap.String("orderId", orderID.String()))
		return record, false, nil
	default:
		return record, false, nil
	}

	if err := s.gateway.Refund(ctx, record.Reference); err != nil {
		return nil, false, err
	}
	if err := s.repo.UpdateStatus(ctx, record.ID, models.PaymentRefunded, "", ""); err != nil {
		return nil, false, err
	}
	record.Status = models.PaymentRefunded
	logger.Info(ctx, "↩️ Payment refunded",
		zap.String("orderId", orderID.String()),
		zap.String("reference", record.Reference))
	return record, true, nil
}
