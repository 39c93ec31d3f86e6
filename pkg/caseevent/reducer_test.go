package caseevent

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrecords/docket/pkg/models"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func baseSnapshot() *models.CaseSnapshot {
	return &models.CaseSnapshot{
		Case: models.Case{
			ID:            42,
			Status:        models.CaseStatusAwaitingResponse,
			AutopilotMode: models.AutopilotSupervised,
			AgencyName:    "City Records Office",
			AgencyEmail:   models.Ptr("records@city.example.gov"),
		},
	}
}

func withActiveRun(snap *models.CaseSnapshot, status models.RunStatus) (*models.CaseSnapshot, uuid.UUID) {
	id := uuid.New()
	snap.ActiveRun = &models.Run{
		ID:     id,
		CaseID: snap.Case.ID,
		Status: status,
	}
	return snap, id
}

func withActiveProposal(snap *models.CaseSnapshot, status models.ProposalStatus) (*models.CaseSnapshot, uuid.UUID) {
	id := uuid.New()
	snap.Proposals = append(snap.Proposals, models.Proposal{
		ID:     id,
		CaseID: snap.Case.ID,
		Status: status,
	})
	return snap, id
}

func TestReduceUnknownEventFailsLoudly(t *testing.T) {
	_, _, err := Reduce(baseSnapshot(), models.CaseEvent("TOTALLY_BOGUS"), Context{Now: testNow})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown case event")
}

func TestReduceRequiresClock(t *testing.T) {
	_, _, err := Reduce(baseSnapshot(), models.EventCaseSent, Context{})
	require.Error(t, err)
}

func TestReduceCaseSent(t *testing.T) {
	next := testNow.Add(7 * 24 * time.Hour)
	m, p, err := Reduce(baseSnapshot(), models.EventCaseSent, Context{
		Now:              testNow,
		NextFollowupDate: &next,
	})
	require.NoError(t, err)

	require.NotNil(t, m.Case.Status)
	assert.Equal(t, models.CaseStatusSent, *m.Case.Status)
	assert.Equal(t, testNow, *m.Case.SendDate)
	require.NotNil(t, m.Followup)
	assert.Equal(t, models.FollowupScheduled, *m.Followup.Status)
	assert.Equal(t, next, *m.Followup.NextFollowupDate)
	assert.Equal(t, next, *m.Case.NextDueAt)
	assert.Equal(t, models.CaseStatusSent, p.Status)
}

func TestReduceEmailSentFirstSendVsReply(t *testing.T) {
	snap := baseSnapshot()
	snap.Case.Status = models.CaseStatusReadyToSend
	m, _, err := Reduce(snap, models.EventEmailSent, Context{Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusSent, *m.Case.Status)
	assert.NotNil(t, m.Case.SendDate)

	snap = baseSnapshot()
	snap.Case.Status = models.CaseStatusResponded
	m, _, err = Reduce(snap, models.EventEmailSent, Context{Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusAwaitingResponse, *m.Case.Status)
	assert.Nil(t, m.Case.SendDate)
}

func TestReduceRunClaimedCancelsSiblings(t *testing.T) {
	snap, runID := withActiveRun(baseSnapshot(), models.RunStatusQueued)
	m, p, err := Reduce(snap, models.EventRunClaimed, Context{Now: testNow, RunID: &runID})
	require.NoError(t, err)

	assert.True(t, m.CancelOtherRuns)
	require.Len(t, m.Runs, 1)
	assert.Equal(t, runID, m.Runs[0].RunID)
	assert.Equal(t, models.RunStatusRunning, *m.Runs[0].Patch.Status)
	require.NotNil(t, p.ActiveRunID)
	assert.Equal(t, runID, *p.ActiveRunID)
}

func TestReduceRunEventsRequireRunID(t *testing.T) {
	for _, ev := range []models.CaseEvent{
		models.EventRunClaimed, models.EventRunWaiting,
		models.EventRunCompleted, models.EventRunFailed,
		models.EventRunStaleCleaned,
	} {
		_, _, err := Reduce(baseSnapshot(), ev, Context{Now: testNow})
		assert.Error(t, err, "event %s", ev)
	}
}

func TestReduceRunFailedFlagsHuman(t *testing.T) {
	snap, runID := withActiveRun(baseSnapshot(), models.RunStatusRunning)
	m, p, err := Reduce(snap, models.EventRunFailed, Context{
		Now:   testNow,
		RunID: &runID,
		Error: models.Ptr("classifier exploded"),
	})
	require.NoError(t, err)

	assert.True(t, *m.Case.RequiresHuman)
	assert.Equal(t, models.PauseRunFailure, *m.Case.PauseReason)
	assert.Equal(t, models.RunStatusFailed, *m.Runs[0].Patch.Status)
	assert.Equal(t, "classifier exploded", *m.Runs[0].Patch.Error)
	assert.Nil(t, p.ActiveRunID)
}

func TestReduceStaleCleanedClearsPureRunFailureFlags(t *testing.T) {
	snap, runID := withActiveRun(baseSnapshot(), models.RunStatusRunning)
	snap.Case.RequiresHuman = true
	snap.Case.PauseReason = models.Ptr(models.PauseRunFailure)

	m, _, err := Reduce(snap, models.EventRunStaleCleaned, Context{Now: testNow, RunID: &runID})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, *m.Runs[0].Patch.Status)
	require.NotNil(t, m.Case.RequiresHuman)
	assert.False(t, *m.Case.RequiresHuman)
	assert.True(t, m.Case.ClearPauseReason)
}

func withProcessingFollowup(snap *models.CaseSnapshot) *models.CaseSnapshot {
	next := testNow.Add(-time.Hour)
	snap.Followup = &models.FollowupSchedule{
		CaseID:           snap.Case.ID,
		NextFollowupDate: &next,
		FollowupCount:    1,
		Status:           models.FollowupProcessing,
		ScheduledKey:     models.Ptr("followup:42:1"),
	}
	return snap
}

func TestReduceRunFailureReleasesProcessingFollowup(t *testing.T) {
	for _, ev := range []models.CaseEvent{
		models.EventRunFailed, models.EventRunStaleCleaned,
	} {
		snap, runID := withActiveRun(baseSnapshot(), models.RunStatusRunning)
		snap.ActiveRun.TriggerType = models.TriggerFollowup
		withProcessingFollowup(snap)

		m, p, err := Reduce(snap, ev, Context{Now: testNow, RunID: &runID})
		require.NoError(t, err, "event %s", ev)

		require.NotNil(t, m.Followup, "event %s", ev)
		assert.Equal(t, models.FollowupScheduled, *m.Followup.Status, "event %s", ev)
		assert.True(t, m.Followup.ClearScheduledKey, "event %s", ev)
		require.NotNil(t, p.FollowupStatus, "event %s", ev)
		assert.Equal(t, models.FollowupScheduled, *p.FollowupStatus, "event %s", ev)
	}
}

func TestReduceRunFailureLeavesForeignFollowupSlot(t *testing.T) {
	// An inbound run dying must not release a slot some followup run holds.
	snap, runID := withActiveRun(baseSnapshot(), models.RunStatusRunning)
	snap.ActiveRun.TriggerType = models.TriggerInboundMessage
	withProcessingFollowup(snap)

	m, _, err := Reduce(snap, models.EventRunFailed, Context{Now: testNow, RunID: &runID})
	require.NoError(t, err)
	assert.Nil(t, m.Followup)
}

func TestReduceStaleCleanedKeepsForeignFlags(t *testing.T) {
	snap, runID := withActiveRun(baseSnapshot(), models.RunStatusRunning)
	snap.Case.Status = models.CaseStatusNeedsFeeApproval
	snap.Case.RequiresHuman = true
	snap.Case.PauseReason = models.Ptr(models.PauseFeeQuote)

	m, p, err := Reduce(snap, models.EventRunStaleCleaned, Context{Now: testNow, RunID: &runID})
	require.NoError(t, err)

	assert.Nil(t, m.Case.RequiresHuman)
	assert.False(t, m.Case.ClearPauseReason)
	assert.True(t, p.RequiresHuman)
}

func TestReduceProposalGatedRoutesReviewStatus(t *testing.T) {
	tests := []struct {
		reason models.PauseReason
		status models.CaseStatus
	}{
		{models.PauseFeeQuote, models.CaseStatusNeedsFeeApproval},
		{models.PauseWrongAgency, models.CaseStatusNeedsContactInfo},
		{models.PausePhoneCall, models.CaseStatusNeedsPhoneCall},
		{models.PauseDenial, models.CaseStatusNeedsHumanReview},
	}
	for _, tc := range tests {
		snap, runID := withActiveRun(baseSnapshot(), models.RunStatusRunning)
		propID := uuid.New()
		m, p, err := Reduce(snap, models.EventProposalGated, Context{
			Now:         testNow,
			RunID:       &runID,
			ProposalID:  &propID,
			PauseReason: &tc.reason,
		})
		require.NoError(t, err, "reason %s", tc.reason)

		assert.Equal(t, tc.status, *m.Case.Status, "reason %s", tc.reason)
		assert.Equal(t, tc.reason, *p.PauseReason)
		assert.True(t, p.RequiresHuman)
		require.Len(t, m.Runs, 1)
		assert.Equal(t, models.RunStatusPaused, *m.Runs[0].Patch.Status)
		require.Len(t, m.Proposals, 1)
		assert.Equal(t, models.ProposalStatusPendingApproval, *m.Proposals[0].Patch.Status)
	}
}

func TestReduceProposalGatedDefaultsPauseReason(t *testing.T) {
	snap := baseSnapshot()
	propID := uuid.New()
	m, p, err := Reduce(snap, models.EventProposalGated, Context{
		Now:        testNow,
		ProposalID: &propID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PauseUnspecified, *m.Case.PauseReason)
	assert.Equal(t, models.PauseUnspecified, *p.PauseReason)
}

func TestReduceProposalApprovedTieBreak(t *testing.T) {
	// Approval moves the case to a settled status, which triggers the
	// dismiss-all alignment; the approved proposal's own mutation must
	// still win.
	snap := baseSnapshot()
	snap.Case.Status = models.CaseStatusNeedsHumanReview
	snap.Case.RequiresHuman = true
	snap.Case.PauseReason = models.Ptr(models.PauseDenial)
	snap, propID := withActiveProposal(snap, models.ProposalStatusPendingApproval)

	decision := &models.HumanDecision{
		Action:    models.DecisionApprove,
		DecidedBy: "reviewer@example.org",
		DecidedAt: testNow,
	}
	m, p, err := Reduce(snap, models.EventProposalApproved, Context{
		Now:        testNow,
		ProposalID: &propID,
		Decision:   decision,
	})
	require.NoError(t, err)

	assert.True(t, m.DismissAllProposals)
	require.Len(t, m.Proposals, 1)
	assert.Equal(t, propID, m.Proposals[0].ProposalID)
	assert.Equal(t, models.ProposalStatusApproved, *m.Proposals[0].Patch.Status)
	assert.Equal(t, decision, m.Proposals[0].Patch.HumanDecision)

	// Leaving the review set clears the human flags.
	assert.False(t, p.RequiresHuman)
	assert.Nil(t, p.PauseReason)
}

func TestReduceTerminalAlignsEverything(t *testing.T) {
	snap := baseSnapshot()
	snap, _ = withActiveProposal(snap, models.ProposalStatusPendingApproval)
	snap.Followup = &models.FollowupSchedule{
		CaseID: 42,
		Status: models.FollowupScheduled,
	}

	m, p, err := Reduce(snap, models.EventCaseCompleted, Context{Now: testNow})
	require.NoError(t, err)

	assert.Equal(t, models.CaseStatusCompleted, *m.Case.Status)
	assert.True(t, m.DismissAllProposals)
	require.NotNil(t, m.Followup)
	assert.Equal(t, models.FollowupCancelled, *m.Followup.Status)
	assert.True(t, m.Followup.ClearNextDate)
	assert.Equal(t, models.FollowupCancelled, *p.FollowupStatus)
}

func TestReduceReviewPausesFollowups(t *testing.T) {
	snap := baseSnapshot()
	snap.Followup = &models.FollowupSchedule{
		CaseID: 42,
		Status: models.FollowupScheduled,
	}
	m, _, err := Reduce(snap, models.EventCaseEscalated, Context{Now: testNow})
	require.NoError(t, err)

	require.NotNil(t, m.Followup)
	assert.Equal(t, models.FollowupPaused, *m.Followup.Status)
}

func TestReduceReviewSafetyNetForcesFlags(t *testing.T) {
	// CASE_WRONG_AGENCY targets a review status; the net must supply
	// requires_human even though the per-event logic set only the status
	// and reason.
	m, p, err := Reduce(baseSnapshot(), models.EventCaseWrongAgency, Context{Now: testNow})
	require.NoError(t, err)

	assert.Equal(t, models.CaseStatusNeedsContactInfo, *m.Case.Status)
	assert.True(t, *m.Case.RequiresHuman)
	assert.Equal(t, models.PauseWrongAgency, *m.Case.PauseReason)
	assert.True(t, p.RequiresHuman)
}

func TestReduceReducerPauseReasonBeatsSafetyNet(t *testing.T) {
	reason := models.PauseHostile
	m, _, err := Reduce(baseSnapshot(), models.EventCaseEscalated, Context{
		Now:         testNow,
		PauseReason: &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PauseHostile, *m.Case.PauseReason)
}

func TestReduceFollowupSentIncrementsCount(t *testing.T) {
	snap := baseSnapshot()
	snap.Followup = &models.FollowupSchedule{
		CaseID:        42,
		Status:        models.FollowupProcessing,
		FollowupCount: 1,
	}
	next := testNow.Add(14 * 24 * time.Hour)
	m, _, err := Reduce(snap, models.EventFollowupSent, Context{
		Now:              testNow,
		NextFollowupDate: &next,
	})
	require.NoError(t, err)

	require.NotNil(t, m.Followup)
	assert.Equal(t, 2, *m.Followup.FollowupCount)
	assert.Equal(t, models.FollowupScheduled, *m.Followup.Status)
	assert.Equal(t, next, *m.Followup.NextFollowupDate)
}

func TestReduceFollowupMaxReached(t *testing.T) {
	m, _, err := Reduce(baseSnapshot(), models.EventFollowupMaxReached, Context{Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, models.FollowupMaxReached, *m.Followup.Status)
	assert.True(t, m.Followup.ClearNextDate)
}

func TestReducePhoneEscalation(t *testing.T) {
	m, p, err := Reduce(baseSnapshot(), models.EventPhoneEscalationQueued, Context{Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusNeedsPhoneCall, *m.Case.Status)
	assert.Equal(t, models.PausePhoneCall, *p.PauseReason)
	assert.True(t, p.RequiresHuman)
}

func TestReducePortalBreakdownDismissesPortalProposals(t *testing.T) {
	snap, runID := withActiveRun(baseSnapshot(), models.RunStatusWaiting)
	for _, ev := range []models.CaseEvent{
		models.EventPortalFailed, models.EventPortalTimedOut, models.EventPortalAborted,
	} {
		m, p, err := Reduce(snap, ev, Context{Now: testNow, RunID: &runID})
		require.NoError(t, err, "event %s", ev)
		assert.True(t, m.DismissPortalProposals, "event %s", ev)
		assert.Equal(t, models.CaseStatusNeedsHumanReview, p.Status, "event %s", ev)
		assert.Equal(t, models.PausePortalTask, *p.PauseReason, "event %s", ev)
	}
}

func TestReducePortalCompletedRecordsConfirmation(t *testing.T) {
	snap := baseSnapshot()
	snap.Case.Status = models.CaseStatusPortalInProgress
	taskID := uuid.New()
	m, _, err := Reduce(snap, models.EventPortalCompleted, Context{
		Now:                testNow,
		PortalTaskID:       &taskID,
		ConfirmationNumber: models.Ptr("REQ-8841"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.CaseStatusSent, *m.Case.Status)
	require.Len(t, m.PortalTasks, 1)
	assert.Equal(t, models.PortalTaskCompleted, *m.PortalTasks[0].Patch.Status)
	assert.Equal(t, "REQ-8841", *m.PortalTasks[0].Patch.ConfirmationNumber)
}

func TestReduceFeeQuoteUpdatesConstraints(t *testing.T) {
	m, _, err := Reduce(baseSnapshot(), models.EventFeeQuoteReceived, Context{
		Now:       testNow,
		FeeAmount: models.Ptr(125.0),
		Note:      models.Ptr("copying fees, 500 pages"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.CaseStatusResponded, *m.Case.Status)
	require.NotNil(t, m.Case.Constraints)
	assert.Equal(t, 125.0, *m.Case.Constraints.FeeAmount)
	assert.Equal(t, "copying fees, 500 pages", *m.Case.Constraints.FeeNote)
}

func TestReduceEveryEventIsTotal(t *testing.T) {
	// Every event in the enum reduces without an unknown-event error when
	// given the ids it needs.
	runID := uuid.New()
	propID := uuid.New()
	taskID := uuid.New()
	ctx := Context{
		Now:          testNow,
		RunID:        &runID,
		ProposalID:   &propID,
		PortalTaskID: &taskID,
	}
	events := []models.CaseEvent{
		models.EventCaseSent, models.EventPortalStarted,
		models.EventPortalCompleted, models.EventPortalFailed,
		models.EventPortalTimedOut, models.EventPortalAborted,
		models.EventPortalTaskCreated, models.EventPortalStuck,
		models.EventEmailSent, models.EventEmailFailed,
		models.EventFeeQuoteReceived, models.EventAcknowledgmentReceived,
		models.EventCaseResponded, models.EventCaseWrongAgency,
		models.EventCaseEscalated, models.EventCaseReconciled,
		models.EventCaseCompleted, models.EventCaseCancelled,
		models.EventRunClaimed, models.EventRunWaiting,
		models.EventRunCompleted, models.EventRunFailed,
		models.EventRunStaleCleaned, models.EventProposalGated,
		models.EventProposalApproved, models.EventProposalDismissed,
		models.EventProposalExecuted, models.EventProposalBlocked,
		models.EventProposalCancelled, models.EventStaleFlagsCleared,
		models.EventStuckPortalTaskFailed, models.EventFollowupSent,
		models.EventFollowupMaxReached, models.EventDeadlinePassed,
		models.EventPhoneEscalationQueued,
	}
	for _, ev := range events {
		snap, id := withActiveRun(baseSnapshot(), models.RunStatusRunning)
		c := ctx
		c.RunID = &id
		_, _, err := Reduce(snap, ev, c)
		assert.NoError(t, err, "event %s", ev)
	}
}
