// Package api exposes the supervisor over HTTP: service CRUD and lifecycle
// control, log tailing and streaming, interactive attach over WebSocket,
// schedules, groups, stats and the state-change event stream.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/supervisor"
)

// SetupRoutes mounts all prochub API routes on the given router group.
func SetupRoutes(router *gin.RouterGroup, sup *supervisor.Supervisor, log *logger.Logger) {
	handler := NewHandler(sup, log)

	router.GET("/health", handler.Health)
	router.GET("/stats", handler.GetStats)
	router.GET("/events", handler.StreamEvents)

	services := router.Group("/services")
	{
		services.GET("", handler.ListServices)
		services.POST("", handler.CreateService)
		services.PUT("/reorder", handler.ReorderServices)
		services.GET("/:id", handler.GetService)
		services.PUT("/:id", handler.UpdateService)
		services.DELETE("/:id", handler.DeleteService)

		services.POST("/:id/start", handler.StartService)
		services.POST("/:id/stop", handler.StopService)
		services.POST("/:id/shutdown", handler.ShutdownService)
		services.POST("/:id/kill", handler.KillService)
		services.POST("/:id/restart", handler.RestartService)

		services.GET("/:id/logs", handler.GetLogs)
		services.GET("/:id/log-file", handler.DownloadLogFile)
		services.GET("/:id/attach", handler.Attach)

		services.GET("/:id/schedule", handler.GetSchedule)
		services.PUT("/:id/schedule", handler.SetSchedule)
	}

	router.POST("/schedule/validate", handler.ValidateSchedule)

	groups := router.Group("/groups")
	{
		groups.GET("", handler.ListGroups)
		groups.POST("", handler.CreateGroup)
		groups.PUT("/reorder", handler.ReorderGroups)
		groups.PUT("/:id", handler.UpdateGroup)
		groups.DELETE("/:id", handler.DeleteGroup)
	}
}

// Health reports liveness plus bus connectivity.
// GET /api/v1/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"bus_connected": h.sup.Bus().IsConnected(),
	})
}
