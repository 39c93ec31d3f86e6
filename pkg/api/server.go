// Package api is the HTTP surface: stimulus endpoints that queue runs,
// the review surface for humans, and operational read endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/database"
	"github.com/openrecords/docket/pkg/dispatch"
	"github.com/openrecords/docket/pkg/services"
)

// Server wires the gin router over the service layer.
type Server struct {
	cfg       *config.Config
	db        *database.Client
	cases     *services.CaseService
	proposals *services.ProposalService
	runs      *services.RunService
	dlq       *services.DLQService
	inbound   *dispatch.Service
	logger    *slog.Logger

	httpServer *http.Server
}

// Deps collects the server's collaborators.
type Deps struct {
	DB        *database.Client
	Cases     *services.CaseService
	Proposals *services.ProposalService
	Runs      *services.RunService
	DLQ       *services.DLQService
	Inbound   *dispatch.Service
}

// NewServer builds the server and its router.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		db:        deps.DB,
		cases:     deps.Cases,
		proposals: deps.Proposals,
		runs:      deps.Runs,
		dlq:       deps.DLQ,
		inbound:   deps.Inbound,
		logger:    slog.With("component", "api"),
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Router builds the gin engine with middleware and all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(correlationID())
	r.Use(securityHeaders())
	r.Use(requestLogger(s.logger))

	r.GET("/health", s.healthHandler)
	r.POST("/webhooks/inbound", s.inboundWebhookHandler)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/cases", s.createCaseHandler)
		v1.GET("/cases", s.listCasesHandler)
		v1.GET("/cases/:id", s.getCaseHandler)
		v1.GET("/cases/:id/timeline", s.caseTimelineHandler)
		v1.POST("/cases/:id/run-initial", s.runInitialHandler)
		v1.POST("/cases/:id/run-inbound", s.runInboundHandler)

		v1.GET("/proposals", s.listProposalsHandler)
		v1.GET("/proposals/:id", s.getProposalHandler)
		v1.POST("/proposals/:id/decision", s.decisionHandler)

		v1.GET("/runs/:id", s.getRunHandler)
		v1.POST("/runs/:id/cancel", s.cancelRunHandler)
		v1.GET("/executions", s.listExecutionsHandler)

		v1.POST("/portal-tasks/:id/complete", s.completePortalTaskHandler)

		v1.GET("/dlq", s.listDLQHandler)
		v1.POST("/dlq/:id/resolve", s.resolveDLQHandler)

		v1.GET("/system/queue", s.queueHealthHandler)
	}
	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
