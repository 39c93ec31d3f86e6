package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/services"
	"github.com/openrecords/docket/pkg/store"
)

// CreateCaseRequest is the import payload for POST /api/v1/cases.
type CreateCaseRequest struct {
	AutopilotMode      models.AutopilotMode     `json:"autopilotMode"`
	SubmissionChannel  models.SubmissionChannel `json:"submissionChannel" binding:"required"`
	AgencyName         string                   `json:"agencyName" binding:"required"`
	AgencyJurisdiction *string                  `json:"agencyJurisdiction"`
	AgencyEmail        *string                  `json:"agencyEmail"`
	PortalURL          *string                  `json:"portalUrl"`
	RequestedRecords   []string                 `json:"requestedRecords" binding:"required"`
	ScopeItems         []string                 `json:"scopeItems"`
	NextDueAt          *time.Time               `json:"nextDueAt"`
	DispatchNow        bool                     `json:"dispatchNow"`
}

func (s *Server) createCaseHandler(c *gin.Context) {
	var req CreateCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, dispatched, err := s.cases.Create(c.Request.Context(), services.CreateCaseInput{
		AutopilotMode:      req.AutopilotMode,
		SubmissionChannel:  req.SubmissionChannel,
		AgencyName:         req.AgencyName,
		AgencyJurisdiction: req.AgencyJurisdiction,
		AgencyEmail:        req.AgencyEmail,
		PortalURL:          req.PortalURL,
		RequestedRecords:   req.RequestedRecords,
		ScopeItems:         req.ScopeItems,
		NextDueAt:          req.NextDueAt,
		DispatchNow:        req.DispatchNow,
	})
	if err != nil {
		mapServiceError(c, err)
		return
	}

	resp := gin.H{"case": created}
	if dispatched != nil {
		resp["dispatch"] = dispatched
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) listCasesHandler(c *gin.Context) {
	f := store.CaseFilter{Limit: 50}
	if v := c.Query("status"); v != "" {
		status := models.CaseStatus(v)
		f.Status = &status
	}
	if v := c.Query("requires_human"); v != "" {
		rh := v == "true"
		f.RequiresHuman = &rh
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			f.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	cases, err := s.cases.List(c.Request.Context(), f)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases, "count": len(cases)})
}

func (s *Server) getCaseHandler(c *gin.Context) {
	id, ok := caseIDParam(c)
	if !ok {
		return
	}
	detail, err := s.cases.Get(c.Request.Context(), id)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) caseTimelineHandler(c *gin.Context) {
	id, ok := caseIDParam(c)
	if !ok {
		return
	}

	afterID := int64(0)
	if v := c.Query("after"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			afterID = n
		}
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.cases.Timeline(c.Request.Context(), id, afterID, limit)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// RunInitialRequest is the body for POST /api/v1/cases/:id/run-initial.
type RunInitialRequest struct {
	AutopilotMode *models.AutopilotMode `json:"autopilotMode"`
}

func (s *Server) runInitialHandler(c *gin.Context) {
	id, ok := caseIDParam(c)
	if !ok {
		return
	}
	var req RunInitialRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.cases.Dispatch(c.Request.Context(), id, models.TriggerInitialRequest, req.AutopilotMode)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	renderDispatchResult(c, result)
}

// RunInboundRequest is the body for POST /api/v1/cases/:id/run-inbound.
type RunInboundRequest struct {
	MessageID     uuid.UUID             `json:"messageId" binding:"required"`
	AutopilotMode *models.AutopilotMode `json:"autopilotMode"`

	// ForceNewRun cancels a run this pod holds on the case before
	// dispatching, so a fresh inbound can preempt a stalled pipeline.
	ForceNewRun bool `json:"forceNewRun"`
}

func (s *Server) runInboundHandler(c *gin.Context) {
	id, ok := caseIDParam(c)
	if !ok {
		return
	}
	var req RunInboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	result, err := s.cases.DispatchInbound(ctx, id, req.MessageID, req.AutopilotMode)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	if result.Outcome == models.OutcomeActiveRunExists && req.ForceNewRun && result.RunID != nil {
		if err := s.runs.Cancel(ctx, *result.RunID); err == nil {
			result, err = s.cases.DispatchInbound(ctx, id, req.MessageID, req.AutopilotMode)
			if err != nil {
				mapServiceError(c, err)
				return
			}
		}
	}
	renderDispatchResult(c, result)
}

// renderDispatchResult maps a dispatch outcome to its HTTP status: 202 for
// queued work, 409 when the single-flight invariant refused it, 404 when
// the case is gone.
func renderDispatchResult(c *gin.Context, result *models.DispatchResult) {
	switch result.Outcome {
	case models.OutcomeDispatched:
		c.JSON(http.StatusAccepted, result)
	case models.OutcomeCaseNotFound:
		c.JSON(http.StatusNotFound, result)
	default:
		c.JSON(http.StatusConflict, result)
	}
}

func caseIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid case id"})
		return 0, false
	}
	return id, true
}
