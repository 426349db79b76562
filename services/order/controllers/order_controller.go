package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/pkg/bus"
	"github.com/yashrajoria/order-saga/services/order/services"
)

type OrderController struct {
	orderService *services.OrderService
	deadLetters  bus.DeadLetterStore
}

func NewOrderController(orderService *services.OrderService, deadLetters bus.DeadLetterStore) *OrderController {
	return &OrderController{
		orderService: orderService,
		deadLetters:  deadLetters,
	}
}

// CreateOrder handles order creation requests. The response already
// reflects the stock check: 201 means the hold is placed and the saga is
// running, 409 means the order was cancelled for insufficient stock.
func (oc *OrderController) CreateOrder(ctx *gin.Context) {
	var req services.CreateOrderRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	order, err := oc.orderService.CreateOrder(ctx.Request.Context(), &req)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, gin.H{"order": order})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder cancels an order on customer or operator request.
func (oc *OrderController) CancelOrder(ctx *gin.Context) {
	orderID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID format"})
		return
	}

	// The reason is optional; an empty or missing body is fine.
	var req cancelRequest
	_ = ctx.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled on request"
	}

	order, err := oc.orderService.CancelOrder(ctx.Request.Context(), orderID, req.Reason)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"order": order})
}

// GetOrderByID returns the order with its items and transition trail.
func (oc *OrderController) GetOrderByID(ctx *gin.Context) {
	orderID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID format"})
		return
	}

	order, err := oc.orderService.GetOrder(ctx.Request.Context(), orderID)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"order": order})
}

// ListDeadLetters exposes parked events for operators.
func (oc *OrderController) ListDeadLetters(ctx *gin.Context) {
	limit := 50
	if v := ctx.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	letters, err := oc.deadLetters.List(ctx.Request.Context(), limit)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"dead_letters": letters, "count": len(letters)})
}

// HealthCheck reports liveness.
func (oc *OrderController) HealthCheck(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok", "service": "order-saga"})
}

// respondError maps service errors onto their HTTP shape.
func respondError(ctx *gin.Context, err error) {
	var appErr *commonerrors.Error
	if errors.As(err, &appErr) {
		ctx.JSON(appErr.Code, gin.H{"error": appErr.Message, "details": appErr.Error()})
		return
	}
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
