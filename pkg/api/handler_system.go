package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openrecords/docket/pkg/services"
	"github.com/openrecords/docket/pkg/version"
)

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	stats := s.db.PoolStats()
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  version.Full(),
		"database": gin.H{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		},
	})
}

func (s *Server) queueHealthHandler(c *gin.Context) {
	health, err := s.runs.Health(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) listDLQHandler(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if id, ok := parseInt64(v); ok && id <= 200 {
			limit = int(id)
		}
	}
	letters, err := s.dlq.List(c.Request.Context(), limit)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": letters, "count": len(letters)})
}

// ResolveDLQRequest closes out one dead letter.
type ResolveDLQRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Retry      bool   `json:"retry"`
}

func (s *Server) resolveDLQHandler(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req ResolveDLQRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dispatched, err := s.dlq.Resolve(c.Request.Context(), id, services.ResolveInput{
		Resolution: req.Resolution,
		Retry:      req.Retry,
	})
	if err != nil {
		mapServiceError(c, err)
		return
	}

	resp := gin.H{"status": "resolved"}
	if dispatched != nil {
		resp["dispatch"] = dispatched
	}
	c.JSON(http.StatusOK, resp)
}
