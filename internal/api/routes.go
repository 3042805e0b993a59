package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRoutes sets up the API routes. metricsHandler serves /metrics when non-nil.
func SetupRoutes(handler *Handler, metricsHandler http.Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(Recovery())
	router.Use(CORS())
	router.Use(Logger(logger))

	// Health check
	router.GET("/health", handler.HealthCheck)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	// API v1
	v1 := router.Group("/api/v1")
	{
		sync := v1.Group("/sync")
		{
			sync.GET("/status", handler.GetSyncStatus)
			sync.POST("/:type", handler.TriggerSync)
		}

		v1.GET("/panel", handler.GetPanel)
		v1.GET("/findings", handler.GetFindings)
	}

	return router
}
