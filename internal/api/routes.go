package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, logger *logrus.Logger) {
	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	router.Use(CORS())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	// API v1, all endpoints actor-scoped
	v1 := router.Group("/api/v1")
	v1.Use(ActorAuthentication())
	{
		devices := v1.Group("/devices")
		{
			devices.GET("", handlers.ListDevices)
			devices.POST("", handlers.ProvisionDevice)
			devices.GET("/:serial", handlers.GetDevice)
			devices.DELETE("/:serial", handlers.DecommissionDevice)
			devices.POST("/:serial/pair", handlers.PairDevice)
			devices.POST("/:serial/unlink", handlers.UnlinkDevice)

			// State mutation pipeline
			devices.PATCH("/:serial/state", handlers.UpdateState)
			devices.POST("/:serial/state/bulk", handlers.BulkUpdateState)
			devices.POST("/:serial/toggle", handlers.ToggleDevice)
			devices.POST("/:serial/wifi", handlers.UpdateWifi)

			// Door subsystem
			devices.POST("/:serial/door/toggle", handlers.ToggleDoor)
			devices.PATCH("/:serial/door/config", handlers.UpdateDoorConfig)

			// LED effect engine
			devices.POST("/:serial/led/preset", handlers.ApplyLEDPreset)
			devices.POST("/:serial/led/effect", handlers.SetLEDEffect)
			devices.POST("/:serial/led/stop", handlers.StopLEDEffect)

			// Share grants
			devices.GET("/:serial/shares", handlers.ListShares)
			devices.POST("/:serial/shares", handlers.CreateShare)
			devices.DELETE("/:serial/shares/:user_id", handlers.RevokeShare)
		}

		// Multi-device operations
		v1.POST("/emergency", handlers.ExecuteEmergency)
		v1.POST("/relays/bulk", handlers.BulkRelayControl)
	}
}
