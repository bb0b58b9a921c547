// Package router wires the Verba HTTP routes.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/verba/internal/verba/handler"
	"github.com/kart-io/verba/internal/verba/metrics"
)

// Register registers all service routes on the engine.
func Register(engine *gin.Engine, h *handler.Handler, m *metrics.Metrics) {
	logger.Info("Registering routes...")

	v1 := engine.Group("/v1")
	{
		documents := v1.Group("/documents")
		{
			documents.POST("", h.Ingest)
			documents.GET("", h.ListDocuments)
			documents.GET("/:id", h.GetDocument)
			documents.GET("/:id/chunks", h.GetDocumentChunks)
			documents.DELETE("/:id", h.DeleteDocument)
		}

		v1.POST("/query", h.Query)
		v1.POST("/query/stream", h.QueryStream)
		v1.GET("/stats", h.Stats)
	}

	engine.GET("/metrics", func(c *gin.Context) {
		c.String(http.StatusOK, m.Export("verba", "core"))
	})
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	logger.Info("HTTP routes registered")
}
