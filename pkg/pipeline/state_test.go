package pipeline

import (
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrecords/docket/pkg/llm"
	"github.com/openrecords/docket/pkg/models"
)

func TestMergeAppendsLists(t *testing.T) {
	st := State{
		Logs:              []string{"a"},
		ProposalReasoning: []string{"r1"},
	}

	next := Merge(st, Delta{
		Logs:              []string{"b", "c"},
		ProposalReasoning: []string{"r2"},
		Errors:            []string{"e1"},
	})

	assert.Equal(t, []string{"a", "b", "c"}, next.Logs)
	assert.Equal(t, []string{"r1", "r2"}, next.ProposalReasoning)
	assert.Equal(t, []string{"e1"}, next.Errors)
	// The original state is untouched.
	assert.Equal(t, []string{"a"}, st.Logs)
}

func TestMergeScalarsLastWriteWins(t *testing.T) {
	st := State{Action: models.ActionSendFollowup, DraftBody: models.Ptr("old")}

	next := Merge(st, Delta{
		Action:    models.Ptr(models.ActionSendRebuttal),
		DraftBody: models.Ptr("new"),
	})

	assert.Equal(t, models.ActionSendRebuttal, next.Action)
	assert.Equal(t, "new", *next.DraftBody)
}

func TestMergeNilPreservesPrior(t *testing.T) {
	fee := 50.0
	st := State{
		Action:    models.ActionAcceptFee,
		FeeAmount: &fee,
		DraftBody: models.Ptr("keep me"),
	}

	next := Merge(st, Delta{Logs: []string{"noop"}})

	assert.Equal(t, models.ActionAcceptFee, next.Action)
	assert.Equal(t, 50.0, *next.FeeAmount)
	assert.Equal(t, "keep me", *next.DraftBody)
}

func TestMergeBooleansLatchOn(t *testing.T) {
	st := State{Gated: true}
	next := Merge(st, Delta{})
	assert.True(t, next.Gated)

	next = Merge(next, Delta{ForceGate: true, IsComplete: true})
	assert.True(t, next.ForceGate)
	assert.True(t, next.IsComplete)
	assert.True(t, next.Gated)
}

func TestCheckpointRoundTrip(t *testing.T) {
	msgID := uuid.New()
	st := State{
		CaseID:           7,
		RunID:            uuid.New(),
		TriggerType:      models.TriggerInboundMessage,
		TriggerMessageID: &msgID,
		AutopilotMode:    models.AutopilotSupervised,
		Action:           models.ActionSendRebuttal,
		DraftSubject:     models.Ptr("Re: FOIA request"),
		DraftBody:        models.Ptr("We contest this denial."),
		Classification: &llm.Classification{
			Classification:   models.ClassDenial,
			KeyPoints:        []string{"not available"},
			RequiresResponse: true,
		},
		PauseReason:       models.Ptr(models.PauseDenial),
		Gated:             true,
		ProposalReasoning: []string{"weak denial"},
		RiskFlags:         []string{},
	}

	raw, err := st.Checkpoint()
	require.NoError(t, err)

	back, err := Rehydrate(raw)
	require.NoError(t, err)

	assert.Equal(t, st.CaseID, back.CaseID)
	assert.Equal(t, st.Action, back.Action)
	assert.Equal(t, *st.DraftBody, *back.DraftBody)
	assert.Equal(t, st.TriggerMessageID, back.TriggerMessageID)
	require.NotNil(t, back.Classification)
	assert.Equal(t, models.ClassDenial, back.Classification.Classification)
	assert.True(t, back.Gated)
	require.NotNil(t, back.PauseReason)
	assert.Equal(t, models.PauseDenial, *back.PauseReason)
}

func TestRehydrateRejectsEmptyCheckpoint(t *testing.T) {
	_, err := Rehydrate(nil)
	assert.Error(t, err)

	_, err = Rehydrate([]byte("{not json"))
	assert.Error(t, err)
}

func TestExcerptNeverSplitsARune(t *testing.T) {
	// Cut points landing inside a multibyte rune back up to its start.
	body := "Señor archivist — ответ прилагается"
	for n := 1; n < len(body); n++ {
		out := excerpt(body, n)
		assert.True(t, utf8.ValidString(out), "cut at %d produced invalid UTF-8: %q", n, out)
	}
	assert.Equal(t, "short", excerpt("  short  ", 10))
}
