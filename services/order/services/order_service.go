package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/common/logger"
	pkgaws "github.com/yashrajoria/order-saga/pkg/aws"
	"github.com/yashrajoria/order-saga/pkg/bus"
	inventorymodels "github.com/yashrajoria/order-saga/services/inventory/models"
	inventoryservices "github.com/yashrajoria/order-saga/services/inventory/services"
	"github.com/yashrajoria/order-saga/services/order/models"
	"github.com/yashrajoria/order-saga/services/order/repository"
)

// DefaultWarehouse is used for lines that do not name a warehouse.
const DefaultWarehouse = "main"

// CreateOrderRequest is the intake payload. OrderID is optional; a
// client that retries a timed-out create resubmits the same ID and gets
// the already-created order back.
type CreateOrderRequest struct {
	OrderID    string `json:"order_id" binding:"omitempty,uuid"`
	CustomerID string `json:"customer_id" binding:"required,uuid"`
	Items      []struct {
		ProductID   string `json:"product_id" binding:"required,uuid"`
		VariantID   string `json:"variant_id"`
		WarehouseID string `json:"warehouse_id"`
		Quantity    int    `json:"quantity" binding:"required,min=1"`
		Price       int    `json:"price" binding:"min=0"`
	} `json:"items" binding:"required,min=1,dive"`
}

// OrderService owns order intake and cancellation. Creation reserves
// stock synchronously, so the caller learns about insufficient stock
// immediately; everything after the first published event settles
// through the coordinators.
type OrderService struct {
	repo         repository.OrderRepository
	reservations *inventoryservices.ReservationService
	bus          bus.Bus
	metrics      *pkgaws.MetricsClient
}

func NewOrderService(repo repository.OrderRepository, reservations *inventoryservices.ReservationService, b bus.Bus, metrics *pkgaws.MetricsClient) *OrderService {
	return &OrderService{
		repo:         repo,
		reservations: reservations,
		bus:          b,
		metrics:      metrics,
	}
}

// CreateOrder persists the order, reserves its stock and publishes
// order.created. Safe to retry with the same order ID: the pipeline
// resumes from wherever the previous attempt stopped and every event it
// publishes carries the same derived event ID.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	order, err := s.buildOrder(req)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetByID(ctx, order.ID)
	switch {
	case err == nil:
		return s.resumeIntake(ctx, existing)
	case errors.Is(err, commonerrors.ErrOrderNotFound):
	default:
		return nil, err
	}

	if err := s.repo.Create(ctx, order); err != nil {
		if errors.Is(err, commonerrors.ErrConflict) {
			// Lost a race against a duplicate submit; take over its order.
			existing, getErr := s.repo.GetByID(ctx, order.ID)
			if getErr != nil {
				return nil, getErr
			}
			return s.resumeIntake(ctx, existing)
		}
		return nil, err
	}
	logger.Info(ctx, "🛒 Order accepted",
		zap.String("orderId", order.ID.String()),
		zap.String("orderNumber", order.OrderNumber),
		zap.Int("amount", order.Amount))

	return s.reserveAndAnnounce(ctx, order)
}

// resumeIntake re-runs the remainder of the intake pipeline for an
// order a previous attempt already persisted.
func (s *OrderService) resumeIntake(ctx context.Context, order *models.Order) (*models.Order, error) {
	switch order.Status {
	case models.StatusPending:
		return s.reserveAndAnnounce(ctx, order)
	case models.StatusInventoryReserved:
		// The earlier attempt may have died before publishing; the
		// derived event ID makes this republish harmless.
		if err := s.publishOrderCreated(ctx, order); err != nil {
			return nil, err
		}
		return order, nil
	case models.StatusCancelled:
		if s.rejectedAtIntake(ctx, order.ID) {
			return nil, commonerrors.Wrap(commonerrors.ErrInsufficientStock, errors.New(order.FailureReason))
		}
		return order, nil
	default:
		return order, nil
	}
}

// reserveAndAnnounce holds the stock, flips pending to
// inventory_reserved and publishes order.created.
func (s *OrderService) reserveAndAnnounce(ctx context.Context, order *models.Order) (*models.Order, error) {
	lines := make([]inventorymodels.LineRequest, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, inventorymodels.LineRequest{
			ProductID:   item.ProductID,
			WarehouseID: item.WarehouseID,
			Quantity:    item.Quantity,
		})
	}

	_, err := s.reservations.Reserve(ctx, order.ID, order.CorrelationID, lines)
	if err != nil {
		if errors.Is(err, commonerrors.ErrInsufficientStock) || errors.Is(err, commonerrors.ErrValidation) {
			return nil, s.rejectIntake(ctx, order, err)
		}
		return nil, err
	}

	transition := &models.OrderTransition{
		FromStatus: models.StatusPending,
		ToStatus:   models.StatusInventoryReserved,
		Trigger:    TriggerCreateReserved,
	}
	if err := s.repo.ApplyTransition(ctx, order.ID, order.Version, transition); err != nil {
		if errors.Is(err, commonerrors.ErrStaleVersion) {
			// A concurrent duplicate advanced the order first.
			fresh, getErr := s.repo.GetByID(ctx, order.ID)
			if getErr != nil {
				return nil, getErr
			}
			return s.resumeIntake(ctx, fresh)
		}
		return nil, err
	}
	order.Status = models.StatusInventoryReserved
	order.Version++

	if err := s.publishOrderCreated(ctx, order); err != nil {
		return nil, err
	}
	s.count(pkgaws.MetricOrdersCreated)
	return order, nil
}

// rejectIntake cancels the freshly created order, announces the
// cancellation and hands the stock error back to the caller.
func (s *OrderService) rejectIntake(ctx context.Context, order *models.Order, cause error) error {
	logger.Warn(ctx, "❌ Order rejected at intake",
		zap.String("orderId", order.ID.String()),
		zap.Error(cause))

	transition := &models.OrderTransition{
		FromStatus: models.StatusPending,
		ToStatus:   models.StatusCancelled,
		Trigger:    TriggerCreateRejected,
		Reason:     cause.Error(),
	}
	if err := s.repo.ApplyTransition(ctx, order.ID, order.Version, transition); err != nil {
		if !errors.Is(err, commonerrors.ErrStaleVersion) {
			return err
		}
	}

	env, err := bus.NewEnvelope(models.EventOrderCancelled, models.OrderEventVersion,
		order.CorrelationID, order.ID.String(), models.OrderCancelledPayload{
			OrderID: order.ID,
			Reason:  cause.Error(),
		})
	if err != nil {
		return err
	}
	env.EventID = bus.DeterministicID(order.ID.String(), models.EventOrderCancelled)
	if err := s.bus.Publish(ctx, bus.TopicOrders, env); err != nil {
		logger.Error(ctx, "Failed to publish intake cancellation", err,
			zap.String("orderId", order.ID.String()))
	}
	s.count(pkgaws.MetricOrdersCancelled)
	return cause
}

// CancelOrder cancels an order on request. Shipped and delivered orders
// are pushed to the return flow instead; terminal orders are rejected.
func (s *OrderService) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*models.Order, error) {
	for attempt := 0; attempt < 5; attempt++ {
		order, err := s.repo.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := CancelGate(order.Status); err != nil {
			return nil, err
		}
		next, ok := Next(order.Status, TriggerCancelRequested)
		if !ok {
			return nil, commonerrors.ErrCancelNotAllowed
		}

		transition := &models.OrderTransition{
			FromStatus: order.Status,
			ToStatus:   next,
			Trigger:    TriggerCancelRequested,
			Reason:     reason,
		}
		err = s.repo.ApplyTransition(ctx, orderID, order.Version, transition)
		if errors.Is(err, commonerrors.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return nil, err
		}
		order.Status = next
		order.Version++

		env, err := bus.NewEnvelope(models.EventOrderCancelled, models.OrderEventVersion,
			order.CorrelationID, orderID.String(), models.OrderCancelledPayload{
				OrderID: orderID,
				Reason:  reason,
			})
		if err != nil {
			return nil, err
		}
		env.EventID = bus.DeterministicID(orderID.String(), models.EventOrderCancelled)
		if err := s.bus.Publish(ctx, bus.TopicOrders, env); err != nil {
			return nil, commonerrors.Wrap(commonerrors.ErrTransientBus, err)
		}

		logger.Info(ctx, "🚫 Order cancelled",
			zap.String("orderId", orderID.String()),
			zap.String("from", string(transition.FromStatus)),
			zap.String("reason", reason))
		s.count(pkgaws.MetricOrdersCancelled)
		return order, nil
	}
	return nil, commonerrors.ErrStaleVersion
}

// GetOrder returns the order with items and its transition trail.
func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.repo.GetWithTrail(ctx, orderID)
}

func (s *OrderService) buildOrder(req *CreateOrderRequest) (*models.Order, error) {
	orderID := uuid.New()
	if req.OrderID != "" {
		parsed, err := uuid.Parse(req.OrderID)
		if err != nil {
			return nil, commonerrors.Wrap(commonerrors.ErrInvalidInput, fmt.Errorf("order_id: %w", err))
		}
		orderID = parsed
	}
	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.ErrInvalidInput, fmt.Errorf("customer_id: %w", err))
	}

	order := &models.Order{
		ID:            orderID,
		OrderNumber:   "ORD-" + time.Now().Format("20060102-150405") + "-" + orderID.String()[:8],
		CustomerID:    customerID,
		Status:        models.StatusPending,
		Version:       1,
		CorrelationID: uuid.NewString(),
	}
	for _, item := range req.Items {
		productID, err := uuid.Parse(item.ProductID)
		if err != nil {
			return nil, commonerrors.Wrap(commonerrors.ErrInvalidInput, fmt.Errorf("product_id: %w", err))
		}
		warehouseID := item.WarehouseID
		if warehouseID == "" {
			warehouseID = DefaultWarehouse
		}
		order.Items = append(order.Items, models.OrderItem{
			ID:          uuid.New(),
			OrderID:     orderID,
			ProductID:   productID,
			VariantID:   item.VariantID,
			WarehouseID: warehouseID,
			Quantity:    item.Quantity,
			Price:       item.Price,
		})
		order.Amount += item.Quantity * item.Price
	}
	return order, nil
}

func (s *OrderService) publishOrderCreated(ctx context.Context, order *models.Order) error {
	payload := models.OrderCreatedPayload{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Amount:     order.Amount,
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, models.OrderLine{
			ProductID:   item.ProductID,
			VariantID:   item.VariantID,
			WarehouseID: item.WarehouseID,
			Quantity:    item.Quantity,
			Price:       item.Price,
		})
	}

	env, err := bus.NewEnvelope(models.EventOrderCreated, models.OrderEventVersion,
		order.CorrelationID, order.ID.String(), payload)
	if err != nil {
		return err
	}
	env.EventID = bus.DeterministicID(order.ID.String(), models.EventOrderCreated)
	if err := s.bus.Publish(ctx, bus.TopicOrders, env); err != nil {
		return commonerrors.Wrap(commonerrors.ErrTransientBus, err)
	}
	logger.Info(ctx, "📨 order.created published", zap.String("orderId", order.ID.String()))
	return nil
}

// rejectedAtIntake reports whether the order was cancelled by the
// intake stock check, as opposed to a later compensation or command.
func (s *OrderService) rejectedAtIntake(ctx context.Context, orderID uuid.UUID) bool {
	order, err := s.repo.GetWithTrail(ctx, orderID)
	if err != nil {
		return false
	}
	for _, transition := range order.Transitions {
		if transition.Trigger == TriggerCreateRejected {
			return true
		}
	}
	return false
}

func (s *OrderService) count(metric string) {
	if s.metrics == nil || !s.metrics.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metrics.RecordCount(ctx, metric, map[string]string{"Service": "order-service"})
	}()
}
