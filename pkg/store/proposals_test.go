package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrecords/docket/pkg/models"
)

func proposalColumnsList() []string {
	return []string{
		"id", "case_id", "run_id", "proposal_key", "execution_key",
		"action_type", "status", "trigger_message_id", "draft_subject", "draft_body",
		"reasoning", "risk_flags", "warnings", "confidence", "can_auto_execute",
		"requires_human", "pause_reason", "pipeline_state", "human_decision", "attempt",
		"created_at", "updated_at",
	}
}

func proposalRow(id uuid.UUID, status models.ProposalStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(proposalColumnsList()).AddRow(
		id.String(), int64(5), uuid.New().String(), "prop-key-1", nil,
		string(models.ActionSendFollowup), string(status), nil, "Re: records request", "body",
		[]byte(`["needs review"]`), []byte(`[]`), []byte(`[]`), nil, false,
		true, nil, nil, nil, 1,
		now, now)
}

func TestClaimExecutionKeyWinsOnce(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE proposals SET execution_key").
		WithArgs(id, "exec-key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE proposals SET execution_key").
		WithArgs(id, "exec-key-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := st.ClaimExecutionKey(context.Background(), st.DB(), id, "exec-key-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = st.ClaimExecutionKey(context.Background(), st.DB(), id, "exec-key-1")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestApplyDecisionMovesToDecisionReceived(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE proposals").
		WillReturnRows(proposalRow(id, models.ProposalStatusDecisionReceived))

	p, err := st.ApplyDecision(context.Background(), st.DB(), id, models.HumanDecision{
		Action:    models.DecisionApprove,
		DecidedBy: "reviewer@openrecords.test",
		DecidedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusDecisionReceived, p.Status)
}

func TestApplyDecisionSecondVerdictRejected(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	// The UPDATE misses because the proposal already left the active set.
	mock.ExpectQuery("UPDATE proposals").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM proposals WHERE id").
		WillReturnRows(proposalRow(id, models.ProposalStatusExecuted))

	_, err := st.ApplyDecision(context.Background(), st.DB(), id, models.HumanDecision{
		Action:    models.DecisionDismiss,
		DecidedBy: "reviewer@openrecords.test",
		DecidedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestApplyDecisionUnknownProposal(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE proposals").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM proposals WHERE id").
		WillReturnError(sql.ErrNoRows)

	_, err := st.ApplyDecision(context.Background(), st.DB(), id, models.HumanDecision{
		Action:    models.DecisionApprove,
		DecidedBy: "reviewer@openrecords.test",
		DecidedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
