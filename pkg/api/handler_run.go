package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/store"
)

func (s *Server) getRunHandler(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	run, err := s.runs.Get(c.Request.Context(), id)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) cancelRunHandler(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	if err := s.runs.Cancel(c.Request.Context(), id); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) listExecutionsHandler(c *gin.Context) {
	f := store.ExecutionFilter{Limit: 50}
	if v := c.Query("case_id"); v != "" {
		if id, ok := parseInt64(v); ok {
			f.CaseID = &id
		}
	}
	if v := c.Query("status"); v != "" {
		status := models.ExecutionStatus(v)
		f.Status = &status
	}

	executions, err := s.runs.ListExecutions(c.Request.Context(), f)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions, "count": len(executions)})
}
