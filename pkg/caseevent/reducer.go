package caseevent

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/models"
)

// Reduce computes the mutations and projection for one case event. It is
// total over models.CaseEvent; an unknown event is a programmer error and
// returns a non-nil error with nothing applied.
func Reduce(snap *models.CaseSnapshot, event models.CaseEvent, ctx Context) (*Mutations, *Projection, error) {
	if snap == nil {
		return nil, nil, fmt.Errorf("reduce %s: nil snapshot", event)
	}
	if ctx.Now.IsZero() {
		return nil, nil, fmt.Errorf("reduce %s: context clock not set", event)
	}

	m := &Mutations{}
	if err := reduceEvent(snap, event, ctx, m); err != nil {
		return nil, nil, err
	}
	applySafetyNets(snap, m)

	return m, project(snap, event, ctx, m), nil
}

// reduceEvent is the per-event switch. It writes intent into m and never
// touches the snapshot.
func reduceEvent(snap *models.CaseSnapshot, event models.CaseEvent, ctx Context, m *Mutations) error {
	switch event {

	// --- outbound lifecycle ---

	case models.EventCaseSent:
		m.Case.Status = models.Ptr(models.CaseStatusSent)
		m.Case.SendDate = models.Ptr(ctx.Now)
		m.Case.ClearSubstatus = true
		scheduleNextFollowup(ctx, m)

	case models.EventEmailSent:
		if snap.Case.Status == models.CaseStatusReadyToSend ||
			snap.Case.Status == models.CaseStatusPortalInProgress {
			m.Case.Status = models.Ptr(models.CaseStatusSent)
			m.Case.SendDate = models.Ptr(ctx.Now)
		} else {
			m.Case.Status = models.Ptr(models.CaseStatusAwaitingResponse)
		}
		m.Case.ClearSubstatus = true
		if ctx.ProposalID != nil {
			m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
				Status: models.Ptr(models.ProposalStatusExecuted),
			})
		}
		scheduleNextFollowup(ctx, m)

	case models.EventEmailFailed:
		m.Case.RequiresHuman = models.Ptr(true)
		m.Case.PauseReason = pauseOr(ctx, models.PauseRunFailure)
		if ctx.ProposalID != nil {
			m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
				Status: models.Ptr(models.ProposalStatusFailed),
			})
		}

	// --- portal lifecycle ---

	case models.EventPortalStarted:
		m.Case.Status = models.Ptr(models.CaseStatusPortalInProgress)

	case models.EventPortalCompleted:
		m.Case.Status = models.Ptr(models.CaseStatusSent)
		m.Case.SendDate = models.Ptr(ctx.Now)
		m.Case.ClearSubstatus = true
		if ctx.PortalTaskID != nil {
			m.mutateTask(*ctx.PortalTaskID, models.PortalTaskPatch{
				Status:             models.Ptr(models.PortalTaskCompleted),
				ConfirmationNumber: ctx.ConfirmationNumber,
			})
		}
		if ctx.ProposalID != nil {
			m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
				Status: models.Ptr(models.ProposalStatusExecuted),
			})
		}
		scheduleNextFollowup(ctx, m)

	case models.EventPortalFailed, models.EventPortalTimedOut, models.EventPortalAborted:
		m.Case.Status = models.Ptr(models.CaseStatusNeedsHumanReview)
		m.Case.PauseReason = pauseOr(ctx, models.PausePortalTask)
		m.DismissPortalProposals = true
		if ctx.RunID != nil {
			m.mutateRun(*ctx.RunID, models.RunPatch{
				Status:  models.Ptr(models.RunStatusFailed),
				Error:   ctx.Error,
				EndedAt: models.Ptr(ctx.Now),
			})
		}

	case models.EventPortalTaskCreated:
		m.Case.Status = models.Ptr(models.CaseStatusPortalInProgress)
		m.Case.Substatus = models.Ptr("portal_task_pending")
		if ctx.ProposalID != nil {
			m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
				Status: models.Ptr(models.ProposalStatusPendingPortal),
			})
		}
		if ctx.RunID != nil {
			m.mutateRun(*ctx.RunID, models.RunPatch{
				Status: models.Ptr(models.RunStatusWaiting),
			})
		}

	case models.EventPortalStuck:
		m.Case.Status = models.Ptr(models.CaseStatusNeedsHumanReview)
		m.Case.PauseReason = pauseOr(ctx, models.PausePortalTask)
		if ctx.PortalTaskID != nil {
			m.mutateTask(*ctx.PortalTaskID, models.PortalTaskPatch{
				Status: models.Ptr(models.PortalTaskStuck),
			})
		}

	case models.EventStuckPortalTaskFailed:
		m.Case.Status = models.Ptr(models.CaseStatusNeedsHumanReview)
		m.Case.PauseReason = pauseOr(ctx, models.PausePortalTask)
		if ctx.PortalTaskID != nil {
			m.mutateTask(*ctx.PortalTaskID, models.PortalTaskPatch{
				Status: models.Ptr(models.PortalTaskCancelled),
			})
		}
		if ctx.ProposalID != nil {
			m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
				Status: models.Ptr(models.ProposalStatusFailed),
			})
		}

	// --- inbound classification outcomes ---

	case models.EventFeeQuoteReceived:
		m.Case.Status = models.Ptr(models.CaseStatusResponded)
		m.Case.LastResponseDate = models.Ptr(ctx.Now)
		if ctx.FeeAmount != nil {
			constraints := snap.Case.Constraints
			constraints.FeeAmount = ctx.FeeAmount
			constraints.FeeNote = ctx.Note
			m.Case.Constraints = &constraints
		}

	case models.EventAcknowledgmentReceived:
		m.Case.Status = models.Ptr(models.CaseStatusAwaitingResponse)
		m.Case.LastResponseDate = models.Ptr(ctx.Now)
		scheduleNextFollowup(ctx, m)

	case models.EventCaseResponded:
		m.Case.Status = models.Ptr(models.CaseStatusResponded)
		m.Case.LastResponseDate = models.Ptr(ctx.Now)

	case models.EventCaseWrongAgency:
		m.Case.Status = models.Ptr(models.CaseStatusNeedsContactInfo)
		m.Case.PauseReason = pauseOr(ctx, models.PauseWrongAgency)

	case models.EventCaseEscalated:
		m.Case.Status = models.Ptr(models.CaseStatusNeedsHumanReview)
		m.Case.PauseReason = pauseOr(ctx, models.PauseUnspecified)

	case models.EventCaseReconciled:
		// Human pulled the case back into automated flow.
		m.Case.Status = models.Ptr(models.CaseStatusAwaitingResponse)
		m.Case.ClearSubstatus = true

	// --- terminal ---

	case models.EventCaseCompleted:
		m.Case.Status = models.Ptr(models.CaseStatusCompleted)
		m.Case.ClearSubstatus = true
		if ctx.RunID != nil {
			m.mutateRun(*ctx.RunID, models.RunPatch{
				Status:  models.Ptr(models.RunStatusCompleted),
				EndedAt: models.Ptr(ctx.Now),
			})
		}

	case models.EventCaseCancelled:
		m.Case.Status = models.Ptr(models.CaseStatusCancelled)
		m.Case.ClearSubstatus = true

	// --- run lifecycle ---

	case models.EventRunClaimed:
		if ctx.RunID == nil {
			return fmt.Errorf("reduce %s: run id required", event)
		}
		m.mutateRun(*ctx.RunID, models.RunPatch{
			Status:      models.Ptr(models.RunStatusRunning),
			StartedAt:   models.Ptr(ctx.Now),
			HeartbeatAt: models.Ptr(ctx.Now),
		})
		m.CancelOtherRuns = true

	case models.EventRunWaiting:
		if ctx.RunID == nil {
			return fmt.Errorf("reduce %s: run id required", event)
		}
		m.mutateRun(*ctx.RunID, models.RunPatch{
			Status: models.Ptr(models.RunStatusWaiting),
		})

	case models.EventRunCompleted:
		if ctx.RunID == nil {
			return fmt.Errorf("reduce %s: run id required", event)
		}
		m.mutateRun(*ctx.RunID, models.RunPatch{
			Status:  models.Ptr(models.RunStatusCompleted),
			EndedAt: models.Ptr(ctx.Now),
		})

	case models.EventRunFailed:
		if ctx.RunID == nil {
			return fmt.Errorf("reduce %s: run id required", event)
		}
		m.mutateRun(*ctx.RunID, models.RunPatch{
			Status:  models.Ptr(models.RunStatusFailed),
			Error:   ctx.Error,
			EndedAt: models.Ptr(ctx.Now),
		})
		m.Case.RequiresHuman = models.Ptr(true)
		m.Case.PauseReason = pauseOr(ctx, models.PauseRunFailure)
		releaseInterruptedFollowup(snap, ctx, m)

	case models.EventRunStaleCleaned:
		if ctx.RunID == nil {
			return fmt.Errorf("reduce %s: run id required", event)
		}
		m.mutateRun(*ctx.RunID, models.RunPatch{
			Status:  models.Ptr(models.RunStatusFailed),
			Error:   errOr(ctx, "stale run reaped: heartbeat expired"),
			EndedAt: models.Ptr(ctx.Now),
		})
		// A reaped run is not a human's problem unless something else
		// already flagged the case.
		if snap.Case.PauseReason != nil && *snap.Case.PauseReason == models.PauseRunFailure &&
			!snap.Case.Status.ReviewSet() {
			m.Case.RequiresHuman = models.Ptr(false)
			m.Case.ClearPauseReason = true
		}
		releaseInterruptedFollowup(snap, ctx, m)

	// --- proposal lifecycle ---

	case models.EventProposalGated:
		if ctx.ProposalID == nil {
			return fmt.Errorf("reduce %s: proposal id required", event)
		}
		reason := pauseOr(ctx, models.PauseUnspecified)
		m.Case.Status = models.Ptr(reviewStatusFor(*reason))
		m.Case.PauseReason = reason
		m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
			Status:        models.Ptr(models.ProposalStatusPendingApproval),
			RequiresHuman: models.Ptr(true),
			PauseReason:   reason,
		})
		if ctx.RunID != nil {
			m.mutateRun(*ctx.RunID, models.RunPatch{
				Status: models.Ptr(models.RunStatusPaused),
			})
		}

	case models.EventProposalApproved:
		if ctx.ProposalID == nil {
			return fmt.Errorf("reduce %s: proposal id required", event)
		}
		m.Case.Status = models.Ptr(models.CaseStatusAwaitingResponse)
		m.Case.Substatus = models.Ptr("executing_decision")
		m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
			Status:        models.Ptr(models.ProposalStatusApproved),
			HumanDecision: ctx.Decision,
		})

	case models.EventProposalDismissed:
		if ctx.ProposalID == nil {
			return fmt.Errorf("reduce %s: proposal id required", event)
		}
		m.Case.Status = models.Ptr(models.CaseStatusAwaitingResponse)
		m.Case.ClearSubstatus = true
		m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
			Status:        models.Ptr(models.ProposalStatusDismissed),
			HumanDecision: ctx.Decision,
		})

	case models.EventProposalExecuted:
		if ctx.ProposalID == nil {
			return fmt.Errorf("reduce %s: proposal id required", event)
		}
		m.Case.Status = models.Ptr(models.CaseStatusAwaitingResponse)
		m.Case.ClearSubstatus = true
		m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
			Status: models.Ptr(models.ProposalStatusExecuted),
		})

	case models.EventProposalBlocked:
		if ctx.ProposalID == nil {
			return fmt.Errorf("reduce %s: proposal id required", event)
		}
		m.Case.Status = models.Ptr(models.CaseStatusNeedsHumanReview)
		m.Case.PauseReason = pauseOr(ctx, models.PauseUnspecified)
		m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
			Status: models.Ptr(models.ProposalStatusBlocked),
		})

	case models.EventProposalCancelled:
		if ctx.ProposalID == nil {
			return fmt.Errorf("reduce %s: proposal id required", event)
		}
		m.mutateProposal(*ctx.ProposalID, models.ProposalPatch{
			Status: models.Ptr(models.ProposalStatusSuperseded),
		})

	// --- maintenance ---

	case models.EventStaleFlagsCleared:
		m.Case.RequiresHuman = models.Ptr(false)
		m.Case.ClearPauseReason = true

	// --- timers ---

	case models.EventFollowupSent:
		m.Case.Status = models.Ptr(models.CaseStatusAwaitingResponse)
		count := 0
		if snap.Followup != nil {
			count = snap.Followup.FollowupCount
		}
		m.Followup = &models.FollowupPatch{
			Status:        models.Ptr(models.FollowupScheduled),
			FollowupCount: models.Ptr(count + 1),
		}
		if ctx.NextFollowupDate != nil {
			m.Followup.NextFollowupDate = ctx.NextFollowupDate
			m.Case.NextDueAt = ctx.NextFollowupDate
		} else {
			m.Followup.ClearNextDate = true
		}

	case models.EventFollowupMaxReached:
		m.Followup = &models.FollowupPatch{
			Status:        models.Ptr(models.FollowupMaxReached),
			ClearNextDate: true,
		}

	case models.EventDeadlinePassed:
		m.Case.Substatus = models.Ptr("deadline_passed")

	case models.EventPhoneEscalationQueued:
		m.Case.Status = models.Ptr(models.CaseStatusNeedsPhoneCall)
		m.Case.PauseReason = pauseOr(ctx, models.PausePhoneCall)
		m.Case.ClearNextDueAt = true

	default:
		return fmt.Errorf("reduce: unknown case event %q", event)
	}

	return nil
}

// scheduleNextFollowup arms the followup timer when the event supplied a
// date; without one the schedule keeps its current date.
func scheduleNextFollowup(ctx Context, m *Mutations) {
	if ctx.NextFollowupDate == nil {
		return
	}
	m.Followup = &models.FollowupPatch{
		Status:           models.Ptr(models.FollowupScheduled),
		NextFollowupDate: ctx.NextFollowupDate,
	}
	m.Case.NextDueAt = ctx.NextFollowupDate
}

// releaseInterruptedFollowup hands a dead followup run's schedule slot
// back. The dispatch sweep only picks up scheduled rows, so a processing
// row whose run died without sending would otherwise never fire again.
func releaseInterruptedFollowup(snap *models.CaseSnapshot, ctx Context, m *Mutations) {
	if m.Followup != nil || snap.Followup == nil ||
		snap.Followup.Status != models.FollowupProcessing {
		return
	}
	run := snap.ActiveRun
	if run == nil || ctx.RunID == nil || run.ID != *ctx.RunID ||
		run.TriggerType != models.TriggerFollowup {
		return
	}
	m.Followup = &models.FollowupPatch{
		Status:            models.Ptr(models.FollowupScheduled),
		ClearScheduledKey: true,
	}
}

// reviewStatusFor maps a pause reason to the review status a gated case
// lands on.
func reviewStatusFor(reason models.PauseReason) models.CaseStatus {
	switch reason {
	case models.PauseFeeQuote:
		return models.CaseStatusNeedsFeeApproval
	case models.PauseWrongAgency, models.PauseNoContactInfo:
		return models.CaseStatusNeedsContactInfo
	case models.PausePhoneCall:
		return models.CaseStatusNeedsPhoneCall
	default:
		return models.CaseStatusNeedsHumanReview
	}
}

// pauseOr prefers the event's pause reason, falling back to def. The
// reducer's non-empty choice also beats the safety net later.
func pauseOr(ctx Context, def models.PauseReason) *models.PauseReason {
	if ctx.PauseReason != nil && *ctx.PauseReason != "" {
		return ctx.PauseReason
	}
	return models.Ptr(def)
}

func errOr(ctx Context, def string) *string {
	if ctx.Error != nil && *ctx.Error != "" {
		return ctx.Error
	}
	return models.Ptr(def)
}

// targetStatus is the case status after the patch, which is the snapshot's
// status when the event did not change it.
func targetStatus(snap *models.CaseSnapshot, m *Mutations) models.CaseStatus {
	if m.Case.Status != nil {
		return *m.Case.Status
	}
	return snap.Case.Status
}

// applySafetyNets enforces the cross-event invariants after per-event
// logic: review statuses always ride with requires_human and a pause
// reason, leaving review clears both, terminal and review statuses align
// followups, and settled statuses dismiss active proposals.
func applySafetyNets(snap *models.CaseSnapshot, m *Mutations) {
	status := targetStatus(snap, m)

	if status.ReviewSet() {
		if m.Case.PauseReason == nil && snap.Case.PauseReason == nil {
			m.Case.PauseReason = models.Ptr(models.PauseUnspecified)
		}
		if m.Case.RequiresHuman == nil {
			m.Case.RequiresHuman = models.Ptr(true)
		}
		m.Case.ClearPauseReason = false
	} else if m.Case.Status != nil && snap.Case.Status.ReviewSet() {
		// Leaving the review set.
		if m.Case.RequiresHuman == nil {
			m.Case.RequiresHuman = models.Ptr(false)
		}
		if m.Case.PauseReason == nil {
			m.Case.ClearPauseReason = true
		}
	}

	// Followup alignment.
	switch {
	case status.Terminal():
		m.Followup = &models.FollowupPatch{
			Status:            models.Ptr(models.FollowupCancelled),
			ClearNextDate:     true,
			ClearScheduledKey: true,
		}
	case status.ReviewSet():
		if m.Followup == nil && snap.Followup != nil &&
			snap.Followup.Status == models.FollowupScheduled {
			m.Followup = &models.FollowupPatch{
				Status: models.Ptr(models.FollowupPaused),
			}
		}
	}

	// Proposal alignment: settled statuses carry no active proposals. The
	// explicit per-proposal mutations run after the blanket dismissal, so
	// an event like PROPOSAL_APPROVED keeps its own row.
	switch status {
	case models.CaseStatusSent, models.CaseStatusAwaitingResponse,
		models.CaseStatusResponded, models.CaseStatusCompleted,
		models.CaseStatusCancelled:
		if snap.ActiveProposal() != nil {
			m.DismissAllProposals = true
		}
	}
}

// project computes the post-event summary from the snapshot and mutations.
func project(snap *models.CaseSnapshot, event models.CaseEvent, ctx Context, m *Mutations) *Projection {
	p := &Projection{
		CaseID:        snap.Case.ID,
		Event:         event,
		Status:        targetStatus(snap, m),
		RequiresHuman: snap.Case.RequiresHuman,
		PauseReason:   snap.Case.PauseReason,
		OccurredAt:    ctx.Now,
	}
	if m.Case.RequiresHuman != nil {
		p.RequiresHuman = *m.Case.RequiresHuman
	}
	if m.Case.PauseReason != nil {
		p.PauseReason = m.Case.PauseReason
	} else if m.Case.ClearPauseReason {
		p.PauseReason = nil
	}
	if m.Case.Substatus != nil {
		p.Substatus = m.Case.Substatus
	} else if !m.Case.ClearSubstatus {
		p.Substatus = snap.Case.Substatus
	}

	p.ActiveRunID = projectActiveRun(snap, m)
	p.FollowupStatus = projectFollowupStatus(snap, m)
	return p
}

// projectActiveRun resolves which run, if any, still holds the case slot
// after the mutations land.
func projectActiveRun(snap *models.CaseSnapshot, m *Mutations) *uuid.UUID {
	if snap.ActiveRun == nil {
		return nil
	}
	status := snap.ActiveRun.Status
	for _, rm := range m.Runs {
		if rm.RunID == snap.ActiveRun.ID && rm.Patch.Status != nil {
			status = *rm.Patch.Status
		}
	}
	if m.CancelOtherRuns {
		// The named run survives; any other active run is cancelled.
		named := false
		for _, rm := range m.Runs {
			if rm.RunID == snap.ActiveRun.ID {
				named = true
			}
		}
		if !named {
			return nil
		}
	}
	if !status.Active() {
		return nil
	}
	id := snap.ActiveRun.ID
	return &id
}

// projectFollowupStatus resolves the schedule status after the mutations.
func projectFollowupStatus(snap *models.CaseSnapshot, m *Mutations) *models.FollowupStatus {
	if m.Followup != nil && m.Followup.Status != nil {
		return m.Followup.Status
	}
	if snap.Followup != nil {
		s := snap.Followup.Status
		return &s
	}
	return nil
}
