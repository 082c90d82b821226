package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all routes for the search service.
func RegisterRoutes(router *gin.Engine, api *API) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/search", api.SearchHandler)
		v1.GET("/search", api.SearchHandler)
		v1.GET("/collections", api.CollectionsHandler)
		v1.GET("/db-types", api.DBTypesHandler)
	}
}
