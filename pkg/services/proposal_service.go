package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/store"
)

// DecisionResolver applies a human decision to a proposal and resumes the
// paused run. Satisfied by *dispatch.Service.
type DecisionResolver interface {
	ResolveDecision(ctx context.Context, proposalID uuid.UUID, decision models.HumanDecision) (*models.Run, error)
	CompletePortalTask(ctx context.Context, taskID uuid.UUID, confirmationNumber *string) error
}

// ProposalService serves the proposal review surface.
type ProposalService struct {
	store    *store.Store
	resolver DecisionResolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewProposalService builds a ProposalService.
func NewProposalService(st *store.Store, resolver DecisionResolver) *ProposalService {
	return &ProposalService{
		store:    st,
		resolver: resolver,
		logger:   slog.With("component", "proposal_service"),
		now:      time.Now,
	}
}

// Get returns one proposal.
func (s *ProposalService) Get(ctx context.Context, id uuid.UUID) (*models.Proposal, error) {
	return s.store.GetProposal(ctx, s.store.DB(), id)
}

// List returns proposals matching the filter.
func (s *ProposalService) List(ctx context.Context, f store.ProposalFilter) ([]models.Proposal, error) {
	return s.store.ListProposals(ctx, s.store.DB(), f)
}

// DecideInput is a reviewer's verdict on a pending proposal.
type DecideInput struct {
	Action      models.DecisionAction
	Instruction *string
	Reason      *string
	DecidedBy   string
}

// Decide validates and applies a human decision. The second decision on the
// same proposal surfaces store.ErrAlreadyDecided. On success the returned
// run is the resume run carrying the decision back into the pipeline.
func (s *ProposalService) Decide(ctx context.Context, proposalID uuid.UUID, in DecideInput) (*models.Run, error) {
	if !in.Action.Valid() {
		return nil, NewValidationError("action", "must be APPROVE, ADJUST, or DISMISS")
	}
	if in.DecidedBy == "" {
		return nil, NewValidationError("decided_by", "required")
	}
	if in.Action == models.DecisionAdjust && (in.Instruction == nil || *in.Instruction == "") {
		return nil, NewValidationError("instruction", "required when adjusting")
	}

	run, err := s.resolver.ResolveDecision(ctx, proposalID, models.HumanDecision{
		Action:      in.Action,
		Instruction: in.Instruction,
		Reason:      in.Reason,
		DecidedBy:   in.DecidedBy,
		DecidedAt:   s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("proposal decided",
		"proposal_id", proposalID,
		"action", in.Action,
		"decided_by", in.DecidedBy,
		"resume_run_id", run.ID)
	return run, nil
}

// CompletePortalTask records a manual portal submission and settles the
// waiting execution.
func (s *ProposalService) CompletePortalTask(ctx context.Context, taskID uuid.UUID, confirmationNumber *string) error {
	return s.resolver.CompletePortalTask(ctx, taskID, confirmationNumber)
}
