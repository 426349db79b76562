package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/yashrajoria/order-saga/services/order/controllers"
)

func RegisterOrderRoutes(r *gin.Engine, oc *controllers.OrderController) {
	orderRoutes := r.Group("/orders")
	orderRoutes.POST("", oc.CreateOrder)
	orderRoutes.GET("/:id", oc.GetOrderByID)
	orderRoutes.POST("/:id/cancel", oc.CancelOrder)

	r.GET("/deadletter", oc.ListDeadLetters)
	r.GET("/health", oc.HealthCheck)
}
