package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/store"
)

type fakeResolver struct {
	decisions map[uuid.UUID]models.HumanDecision
	run       *models.Run
	err       error

	completedTasks []uuid.UUID
}

func (f *fakeResolver) ResolveDecision(_ context.Context, proposalID uuid.UUID, decision models.HumanDecision) (*models.Run, error) {
	if f.decisions == nil {
		f.decisions = map[uuid.UUID]models.HumanDecision{}
	}
	f.decisions[proposalID] = decision
	if f.err != nil {
		return nil, f.err
	}
	return f.run, nil
}

func (f *fakeResolver) CompletePortalTask(_ context.Context, taskID uuid.UUID, _ *string) error {
	f.completedTasks = append(f.completedTasks, taskID)
	return f.err
}

func newTestProposalService(t *testing.T) (*ProposalService, *fakeResolver) {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	resolver := &fakeResolver{run: &models.Run{ID: uuid.New()}}
	return NewProposalService(store.New(sqlx.NewDb(db, "sqlmock")), resolver), resolver
}

func TestDecideValidation(t *testing.T) {
	svc, resolver := newTestProposalService(t)

	tests := []struct {
		name  string
		in    DecideInput
		field string
	}{
		{"unknown action", DecideInput{Action: "SHRED", DecidedBy: "reviewer"}, "action"},
		{"missing reviewer", DecideInput{Action: models.DecisionApprove}, "decided_by"},
		{"adjust without instruction", DecideInput{Action: models.DecisionAdjust, DecidedBy: "reviewer"}, "instruction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Decide(context.Background(), uuid.New(), tt.in)
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Empty(t, resolver.decisions)
}

func TestDecideStampsDecision(t *testing.T) {
	svc, resolver := newTestProposalService(t)
	fixed := time.Date(2025, 7, 4, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	proposalID := uuid.New()
	run, err := svc.Decide(context.Background(), proposalID, DecideInput{
		Action:    models.DecisionApprove,
		DecidedBy: "reviewer@example.org",
	})
	require.NoError(t, err)
	assert.Equal(t, resolver.run.ID, run.ID)

	decision := resolver.decisions[proposalID]
	assert.Equal(t, models.DecisionApprove, decision.Action)
	assert.Equal(t, "reviewer@example.org", decision.DecidedBy)
	assert.Equal(t, fixed, decision.DecidedAt)
}

func TestDecidePropagatesAlreadyDecided(t *testing.T) {
	svc, resolver := newTestProposalService(t)
	resolver.err = store.ErrAlreadyDecided

	_, err := svc.Decide(context.Background(), uuid.New(), DecideInput{
		Action:    models.DecisionDismiss,
		DecidedBy: "reviewer",
	})
	assert.ErrorIs(t, err, store.ErrAlreadyDecided)
}

func TestCompletePortalTaskDelegates(t *testing.T) {
	svc, resolver := newTestProposalService(t)
	taskID := uuid.New()
	require.NoError(t, svc.CompletePortalTask(context.Background(), taskID, nil))
	assert.Equal(t, []uuid.UUID{taskID}, resolver.completedTasks)
}
