package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/services"
	"github.com/openrecords/docket/pkg/store"
)

func (s *Server) listProposalsHandler(c *gin.Context) {
	f := store.ProposalFilter{Limit: 50}
	if v := c.Query("status"); v != "" {
		status := models.ProposalStatus(v)
		f.Status = &status
	}
	if v := c.Query("case_id"); v != "" {
		if id, ok := parseInt64(v); ok {
			f.CaseID = &id
		}
	}

	proposals, err := s.proposals.List(c.Request.Context(), f)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals, "count": len(proposals)})
}

func (s *Server) getProposalHandler(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	prop, err := s.proposals.Get(c.Request.Context(), id)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, prop)
}

// DecisionRequest is a reviewer's verdict for POST /proposals/:id/decision.
type DecisionRequest struct {
	Action      models.DecisionAction `json:"action" binding:"required"`
	Instruction *string               `json:"instruction"`
	Reason      *string               `json:"reason"`
	DecidedBy   string                `json:"decidedBy" binding:"required"`
}

func (s *Server) decisionHandler(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := s.proposals.Decide(c.Request.Context(), id, services.DecideInput{
		Action:      req.Action,
		Instruction: req.Instruction,
		Reason:      req.Reason,
		DecidedBy:   req.DecidedBy,
	})
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"resumeRun": run})
}

// CompletePortalTaskRequest carries the manual submission record.
type CompletePortalTaskRequest struct {
	ConfirmationNumber *string `json:"confirmationNumber"`
}

func (s *Server) completePortalTaskHandler(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req CompletePortalTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.proposals.CompletePortalTask(c.Request.Context(), id, req.ConfirmationNumber); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func parseInt64(v string) (int64, bool) {
	id, err := strconv.ParseInt(v, 10, 64)
	return id, err == nil && id > 0
}
