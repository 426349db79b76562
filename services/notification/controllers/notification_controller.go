package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yashrajoria/order-saga/common/logger"
	"github.com/yashrajoria/order-saga/services/notification/repository"
)

type NotificationController struct {
	repo repository.NotificationRepository
}

func NewNotificationController(repo repository.NotificationRepository) *NotificationController {
	return &NotificationController{repo: repo}
}

// ListByOrder returns the delivery log for one order, oldest first.
func (nc *NotificationController) ListByOrder(ctx *gin.Context) {
	orderID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID format"})
		return
	}

	logs, err := nc.repo.ListByOrder(ctx.Request.Context(), orderID)
	if err != nil {
		logger.Error(ctx, "Failed to list notifications", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list notifications"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"notifications": logs,
		"count":         len(logs),
	})
}
