package pipeline

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrecords/docket/pkg/llm"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

// newScenarioPipeline builds a Pipeline over a stub classifier/drafter and
// an unused database handle: the node chains exercised here never reach a
// query.
func newScenarioPipeline(t *testing.T, stub *llm.Stub) *Pipeline {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(sqlx.NewDb(db, "sqlmock"))
	return New(st, runtime.NewResolver(st), stub, nil, testConfig())
}

func scenarioEnv(status models.CaseStatus, trigger *models.Message) *runEnv {
	c := testCase(status)
	return &runEnv{
		run:     &models.Run{ID: uuid.New(), CaseID: c.ID},
		snap:    &models.CaseSnapshot{Case: *c},
		trigger: trigger,
	}
}

// A courtesy note needing no reply flows classify → constraints → routing
// and settles without drafting anything.
func TestScenarioCourtesyNoteNeedsNoReply(t *testing.T) {
	stub := llm.NewStub().QueueClassification(&llm.Classification{
		Classification:   models.ClassNoResponse,
		RequiresResponse: false,
		Confidence:       0.9,
	})
	p := newScenarioPipeline(t, stub)

	env := scenarioEnv(models.CaseStatusAwaitingResponse, &models.Message{
		ID:        uuid.New(),
		Direction: models.DirectionInbound,
		Subject:   "Thank you",
		Body:      "We appreciate your patience while we process requests.",
	})
	st := State{
		CaseID:        env.snap.Case.ID,
		RunID:         env.run.ID,
		TriggerType:   models.TriggerInboundMessage,
		AutopilotMode: models.AutopilotSupervised,
	}

	d, next, err := p.classifyInbound(context.Background(), env, st)
	require.NoError(t, err)
	assert.Equal(t, nodeUpdateConstraints, next)
	st = Merge(st, d)

	d, next, err = p.updateConstraints(context.Background(), env, st)
	require.NoError(t, err)
	assert.Equal(t, nodeDecideNextAction, next)
	st = Merge(st, d)

	d, next, err = p.decideNextAction(context.Background(), env, st)
	require.NoError(t, err)
	st = Merge(st, d)

	assert.Equal(t, nodeCommitState, next)
	assert.Equal(t, models.ActionNone, st.Action)
	assert.True(t, st.IsComplete)
	assert.False(t, st.Gated)

	// The classifier saw the case context, not just the raw body.
	require.Len(t, stub.ClassifyCalls, 1)
	assert.Equal(t, "City of Chicago FOIA Office", stub.ClassifyCalls[0].AgencyName)
	assert.Contains(t, stub.ClassifyCalls[0].Body, "appreciate your patience")
}

// A weak denial routes to a rebuttal: the stub drafter's text lands on the
// state and the decision gates for review in SUPERVISED mode.
func TestScenarioWeakDenialDraftsRebuttalAndGates(t *testing.T) {
	stub := llm.NewStub().QueueDraft(&llm.Draft{
		Subject:    "Re: denial of records request",
		Body:       "We respectfully contest the denial and ask for the statutory basis.",
		Reasoning:  "weak denial with no cited exemption",
		Confidence: 0.8,
	})
	p := newScenarioPipeline(t, stub)

	env := scenarioEnv(models.CaseStatusAwaitingResponse, &models.Message{
		ID:        uuid.New(),
		Direction: models.DirectionInbound,
		Subject:   "Your request",
		Body:      "Your request has been denied. Records are not available at this time.",
	})
	st := State{
		CaseID:        env.snap.Case.ID,
		RunID:         env.run.ID,
		TriggerType:   models.TriggerInboundMessage,
		AutopilotMode: models.AutopilotSupervised,
		Classification: &llm.Classification{
			Classification:   models.ClassDenial,
			KeyPoints:        []string{"Records are not available"},
			RequiresResponse: true,
			Confidence:       0.85,
		},
	}

	d, next, err := p.decideNextAction(context.Background(), env, st)
	require.NoError(t, err)
	assert.Equal(t, nodeDraftResponse, next)
	st = Merge(st, d)
	assert.Equal(t, models.ActionSendRebuttal, st.Action)
	require.NotNil(t, st.PauseReason)
	assert.Equal(t, models.PauseDenial, *st.PauseReason)

	d, next, err = p.draftResponse(context.Background(), env, st)
	require.NoError(t, err)
	assert.Equal(t, nodeSafetyCheck, next)
	st = Merge(st, d)
	require.NotNil(t, st.DraftBody)
	assert.Contains(t, *st.DraftBody, "respectfully contest")

	d, next, err = p.safetyCheck(context.Background(), env, st)
	require.NoError(t, err)
	assert.Equal(t, nodeGateOrExecute, next)
	st = Merge(st, d)
	assert.Empty(t, st.RiskFlags)

	d, _, err = p.gateOrExecute(context.Background(), env, st)
	require.NoError(t, err)
	st = Merge(st, d)
	assert.True(t, st.Gated)

	require.Len(t, stub.DraftCalls, 1)
	assert.Equal(t, models.ActionSendRebuttal, stub.DraftCalls[0].Action)
	assert.Equal(t, []string{"Records are not available"}, stub.DraftCalls[0].KeyPoints)
}

// A drafter outage never fails the run: the missing draft trips the safety
// check and the decision gates even in AUTO mode.
func TestScenarioDrafterOutageForcesGate(t *testing.T) {
	stub := llm.NewStub()
	stub.DraftErr = context.DeadlineExceeded
	p := newScenarioPipeline(t, stub)

	env := scenarioEnv(models.CaseStatusAwaitingResponse, nil)
	st := State{
		CaseID:        env.snap.Case.ID,
		RunID:         env.run.ID,
		TriggerType:   models.TriggerFollowup,
		AutopilotMode: models.AutopilotAuto,
		Action:        models.ActionSendFollowup,
	}

	d, next, err := p.draftResponse(context.Background(), env, st)
	require.NoError(t, err)
	assert.Equal(t, nodeSafetyCheck, next)
	st = Merge(st, d)
	assert.Contains(t, st.RiskFlags, "draft_failed")

	d, _, err = p.safetyCheck(context.Background(), env, st)
	require.NoError(t, err)
	st = Merge(st, d)

	d, _, err = p.gateOrExecute(context.Background(), env, st)
	require.NoError(t, err)
	st = Merge(st, d)
	assert.True(t, st.Gated)
}
