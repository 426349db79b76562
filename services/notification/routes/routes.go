package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/yashrajoria/order-saga/services/notification/controllers"
)

func RegisterNotificationRoutes(r *gin.Engine, nc *controllers.NotificationController) {
	r.GET("/orders/:id/notifications", nc.ListByOrder)
}
