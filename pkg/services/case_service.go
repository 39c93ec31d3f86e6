package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openrecords/docket/pkg/engine"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/store"
)

// Dispatcher queues a run for a case. Satisfied by *engine.Engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, caseID int64, req engine.DispatchRequest) (*models.DispatchResult, error)
}

// CaseService imports cases and serves the read surface over them.
type CaseService struct {
	store      *store.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewCaseService builds a CaseService.
func NewCaseService(st *store.Store, dispatcher Dispatcher) *CaseService {
	return &CaseService{
		store:      st,
		dispatcher: dispatcher,
		logger:     slog.With("component", "case_service"),
	}
}

// CreateCaseInput is the import payload after API binding.
type CreateCaseInput struct {
	AutopilotMode      models.AutopilotMode
	SubmissionChannel  models.SubmissionChannel
	AgencyName         string
	AgencyJurisdiction *string
	AgencyEmail        *string
	PortalURL          *string
	RequestedRecords   []string
	ScopeItems         []string
	NextDueAt          *time.Time

	// DispatchNow queues an initial_request run right after import.
	DispatchNow bool
}

// CaseDetail is the read-model for one case.
type CaseDetail struct {
	Case           models.Case              `json:"case"`
	Followup       *models.FollowupSchedule `json:"followup,omitempty"`
	ActiveRun      *models.Run              `json:"activeRun,omitempty"`
	ActiveProposal *models.Proposal         `json:"activeProposal,omitempty"`
}

// Create imports a case. A case must carry at least one contact method that
// matches its submission channel before any run may be dispatched for it.
func (s *CaseService) Create(ctx context.Context, in CreateCaseInput) (*models.Case, *models.DispatchResult, error) {
	if err := validateCreate(&in); err != nil {
		return nil, nil, err
	}

	var created *models.Case
	err := s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		created, err = s.store.CreateCase(ctx, tx, store.NewCase{
			AutopilotMode:      in.AutopilotMode,
			SubmissionChannel:  in.SubmissionChannel,
			AgencyName:         in.AgencyName,
			AgencyJurisdiction: in.AgencyJurisdiction,
			AgencyEmail:        in.AgencyEmail,
			PortalURL:          in.PortalURL,
			RequestedRecords:   models.StringList(in.RequestedRecords),
			ScopeItems:         models.StringList(in.ScopeItems),
			NextDueAt:          in.NextDueAt,
		})
		if err != nil {
			return fmt.Errorf("create case: %w", err)
		}
		if _, err := s.store.SeedFollowup(ctx, tx, created.ID, nil); err != nil {
			return fmt.Errorf("seed followup schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("case imported",
		"case_id", created.ID,
		"channel", created.SubmissionChannel,
		"autopilot_mode", created.AutopilotMode)

	var dispatch *models.DispatchResult
	if in.DispatchNow {
		dispatch, err = s.dispatcher.Dispatch(ctx, created.ID, engine.DispatchRequest{
			TriggerType: models.TriggerInitialRequest,
		})
		if err != nil {
			// The case exists; the caller can dispatch again.
			s.logger.Error("initial dispatch after import failed",
				"case_id", created.ID, "error", err)
			return created, nil, nil
		}
	}
	return created, dispatch, nil
}

// Get returns the case with its followup schedule, active run, and the
// proposal currently occupying the active slot.
func (s *CaseService) Get(ctx context.Context, id int64) (*CaseDetail, error) {
	c, err := s.store.GetCase(ctx, s.store.DB(), id)
	if err != nil {
		return nil, err
	}

	detail := &CaseDetail{Case: *c}

	if fu, err := s.store.GetFollowup(ctx, s.store.DB(), id); err == nil {
		detail.Followup = fu
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if run, err := s.store.GetActiveRunForCase(ctx, s.store.DB(), id); err == nil {
		detail.ActiveRun = run
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if prop, err := s.store.GetActiveProposalForCase(ctx, s.store.DB(), id); err == nil {
		detail.ActiveProposal = prop
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return detail, nil
}

// List returns cases matching the filter.
func (s *CaseService) List(ctx context.Context, f store.CaseFilter) ([]models.Case, error) {
	return s.store.ListCases(ctx, s.store.DB(), f)
}

// Timeline returns a page of the case's ledger, oldest first. afterID pages
// forward from a previous page's last entry.
func (s *CaseService) Timeline(ctx context.Context, caseID int64, afterID int64, limit int) ([]models.LedgerEntry, error) {
	if _, err := s.store.GetCase(ctx, s.store.DB(), caseID); err != nil {
		return nil, err
	}
	return s.store.ListLedgerForCase(ctx, s.store.DB(), caseID, afterID, limit)
}

// Dispatch queues a run for an existing case with the given trigger.
func (s *CaseService) Dispatch(ctx context.Context, caseID int64, trigger models.TriggerType, mode *models.AutopilotMode) (*models.DispatchResult, error) {
	if !trigger.Valid() {
		return nil, NewValidationError("trigger_type", "unknown trigger")
	}
	return s.dispatcher.Dispatch(ctx, caseID, engine.DispatchRequest{
		TriggerType:   trigger,
		AutopilotMode: mode,
	})
}

// DispatchInbound queues an inbound_message run for a stored message. The
// message must belong to the case.
func (s *CaseService) DispatchInbound(ctx context.Context, caseID int64, messageID uuid.UUID, mode *models.AutopilotMode) (*models.DispatchResult, error) {
	msg, err := s.store.GetMessage(ctx, s.store.DB(), messageID)
	if err != nil {
		return nil, err
	}
	if msg.CaseID != caseID {
		return nil, NewValidationError("message_id", "message belongs to another case")
	}
	return s.dispatcher.Dispatch(ctx, caseID, engine.DispatchRequest{
		TriggerType:      models.TriggerInboundMessage,
		TriggerMessageID: &messageID,
		AutopilotMode:    mode,
	})
}

func validateCreate(in *CreateCaseInput) error {
	if in.AgencyName == "" {
		return NewValidationError("agency_name", "required")
	}
	if len(in.RequestedRecords) == 0 {
		return NewValidationError("requested_records", "at least one record description required")
	}
	if !in.SubmissionChannel.Valid() {
		return NewValidationError("submission_channel", "must be email, portal, or both")
	}
	if in.AutopilotMode == "" {
		in.AutopilotMode = models.AutopilotSupervised
	}
	if !in.AutopilotMode.Valid() {
		return NewValidationError("autopilot_mode", "must be AUTO, SUPERVISED, or MANUAL")
	}

	hasEmail := in.AgencyEmail != nil && *in.AgencyEmail != ""
	hasPortal := in.PortalURL != nil && *in.PortalURL != ""
	switch in.SubmissionChannel {
	case models.ChannelEmail:
		if !hasEmail {
			return NewValidationError("agency_email", "required for the email channel")
		}
	case models.ChannelPortal:
		if !hasPortal {
			return NewValidationError("portal_url", "required for the portal channel")
		}
	case models.ChannelBoth:
		if !hasEmail && !hasPortal {
			return NewValidationError("agency_email", "an email address or portal URL is required")
		}
	}
	return nil
}
