package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveTransitionKey(t *testing.T) {
	t.Run("deterministic for identical inputs", func(t *testing.T) {
		k1 := DeriveTransitionKey(42, EventRunCompleted, "run-a")
		k2 := DeriveTransitionKey(42, EventRunCompleted, "run-a")
		assert.Equal(t, k1, k2)
		assert.Len(t, k1, 64)
	})

	t.Run("distinct across cases, events and fields", func(t *testing.T) {
		base := DeriveTransitionKey(42, EventRunCompleted, "run-a")
		assert.NotEqual(t, base, DeriveTransitionKey(43, EventRunCompleted, "run-a"))
		assert.NotEqual(t, base, DeriveTransitionKey(42, EventRunFailed, "run-a"))
		assert.NotEqual(t, base, DeriveTransitionKey(42, EventRunCompleted, "run-b"))
	})

	t.Run("field boundaries are not ambiguous", func(t *testing.T) {
		// "ab"+"c" must not collide with "a"+"bc".
		assert.NotEqual(t,
			DeriveTransitionKey(1, EventCaseSent, "ab", "c"),
			DeriveTransitionKey(1, EventCaseSent, "a", "bc"))
	})
}

func TestBuildProposalKey(t *testing.T) {
	msgID := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")

	key := BuildProposalKey(7, &msgID, ActionSendRebuttal, 1)
	assert.Equal(t, "7:7d444840-9dc0-11d1-b245-5ffdce74fad2:SEND_REBUTTAL:1", key)

	// Timer and initial triggers carry no message.
	assert.Equal(t, "7:none:SEND_FOLLOWUP:2", BuildProposalKey(7, nil, ActionSendFollowup, 2))
}

func TestBuildScheduledKey(t *testing.T) {
	date := time.Date(2025, 3, 9, 23, 30, 0, 0, time.FixedZone("UTC-5", -5*3600))

	// Date component normalizes to UTC so every pod derives the same token.
	assert.Equal(t, "followup:12:2:2025-03-10", BuildScheduledKey(12, 2, date))
}

func TestActionTraitsTableIsTotal(t *testing.T) {
	all := []ActionType{
		ActionSendRebuttal, ActionAcceptFee, ActionNegotiateFee,
		ActionSendClarification, ActionSendFollowup, ActionSendInitialRequest,
		ActionRespondPartialApproval, ActionCloseCase, ActionResearchAgency,
		ActionReformulateRequest, ActionSubmitPortal, ActionEscalate, ActionNone,
	}
	for _, a := range all {
		traits, ok := TraitsFor(a)
		require.True(t, ok, "missing traits for %s", a)
		if traits.AlwaysGates {
			assert.False(t, traits.MayAutoExecute, "%s cannot both always-gate and auto-execute", a)
		}
	}

	_, ok := TraitsFor(ActionType("BOGUS"))
	assert.False(t, ok)
}

func TestStatusSets(t *testing.T) {
	t.Run("review set implies non-terminal", func(t *testing.T) {
		for _, s := range []CaseStatus{
			CaseStatusNeedsHumanReview, CaseStatusNeedsFeeApproval,
			CaseStatusNeedsContactInfo, CaseStatusNeedsPhoneCall,
		} {
			assert.True(t, s.ReviewSet())
			assert.False(t, s.Terminal())
		}
	})

	t.Run("active run statuses match predicate", func(t *testing.T) {
		for _, s := range ActiveRunStatuses {
			assert.True(t, s.Active())
		}
		assert.False(t, RunStatusCompleted.Active())
		assert.False(t, RunStatusSkippedLocked.Active())
	})

	t.Run("active proposal statuses match predicate", func(t *testing.T) {
		for _, s := range ActiveProposalStatuses {
			assert.True(t, s.Active())
		}
		assert.False(t, ProposalStatusExecuted.Active())
		assert.False(t, ProposalStatusDraft.Active())
	})
}
