// Package api serves a node's operator HTTP API.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"transactive-network/internal/api/handlers"
	"transactive-network/internal/api/middleware"
	"transactive-network/internal/data"
)

// NewRouter wires the API routes for n. A nil store disables telemetry
// ingestion.
func NewRouter(n handlers.Node, store *data.Store, log zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(middleware.CORS())
	router.Use(middleware.Logger(log))
	router.Use(middleware.ErrorHandler())

	marketHandler := handlers.NewMarketHandler(n)
	telemetryHandler := handlers.NewTelemetryHandler(store)
	assetHandler := handlers.NewAssetHandler(n)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	{
		api.GET("/markets", marketHandler.ListMarkets)
		api.GET("/markets/:id", marketHandler.GetMarket)
		api.GET("/markets/:id/vertices", marketHandler.GetVertices)
		api.POST("/markets/:id/reconciled", marketHandler.MarkReconciled)

		api.GET("/neighbors", marketHandler.ListNeighbors)

		api.POST("/assets/:name/engagement", assetHandler.SetEngagement)

		api.POST("/telemetry", telemetryHandler.PostTelemetry)
		api.DELETE("/telemetry", telemetryHandler.ClearTelemetry)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
	return router
}
