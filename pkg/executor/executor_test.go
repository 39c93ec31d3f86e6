package executor

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

type stubProvider struct {
	err    error
	result *SendResult
	calls  int
}

func (p *stubProvider) Send(_ context.Context, _ *SendRequest) (*SendResult, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *stubProvider) From() string { return "requests@docket.example" }

func newTestExecutor(t *testing.T, provider Provider) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		Executor:  config.DefaultExecutorConfig(),
		Followups: config.DefaultFollowupConfig(),
	}
	cfg.Executor.MaxRetries = 1
	cfg.Executor.BackoffSeed = time.Millisecond

	st := store.New(sqlx.NewDb(db, "sqlmock"))
	return New(st, runtime.NewResolver(st), cfg, provider), mock
}

func executionRow(id uuid.UUID, prop *models.Proposal, runID uuid.UUID, key string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "case_id", "proposal_id", "run_id", "execution_key",
		"action_type", "status", "provider", "provider_message_id", "error",
		"retry_count", "created_at", "completed_at",
	}).AddRow(
		id.String(), prop.CaseID, prop.ID.String(), runID.String(), key,
		string(prop.ActionType), string(models.ExecutionStatusQueued),
		string(models.ProviderEmail), nil, nil, 0, time.Now(), nil)
}

func caseRow(id int64, status models.CaseStatus) *sqlmock.Rows {
	now := time.Now()
	cols := []string{
		"id", "status", "substatus", "requires_human", "pause_reason",
		"next_due_at", "autopilot_mode", "submission_channel", "agency_name",
		"agency_jurisdiction", "agency_email", "portal_url",
		"requested_records", "scope_items", "constraints", "send_date",
		"last_response_date", "research_notes", "created_at", "updated_at",
	}
	vals := []driver.Value{
		id, string(status), nil, false, nil,
		nil, string(models.AutopilotSupervised), string(models.ChannelEmail), "County Clerk",
		nil, "clerk@county.example", nil,
		[]byte(`["meeting minutes"]`), []byte(`[]`), []byte(`{}`), nil,
		nil, nil, now, now,
	}
	return sqlmock.NewRows(cols).AddRow(vals...)
}

// expectSnapshot mocks the transition's snapshot load with an uncontended
// case: no active run, no proposals, no portal tasks, no schedule.
func expectSnapshot(mock sqlmock.Sqlmock, caseID int64, status models.CaseStatus) {
	mock.ExpectQuery("SELECT (.+) FROM cases WHERE id = (.+) FOR UPDATE").
		WillReturnRows(caseRow(caseID, status))
	mock.ExpectQuery("SELECT (.+) FROM agent_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM proposals").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM portal_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM follow_up_schedule").
		WillReturnRows(sqlmock.NewRows([]string{"case_id"}))
}

func TestExecuteSkipsWhenRateLimited(t *testing.T) {
	provider := &stubProvider{}
	e, mock := newTestExecutor(t, provider)
	run := &models.Run{ID: uuid.New(), CaseID: 5}
	prop := &models.Proposal{ID: uuid.New(), CaseID: 5, ActionType: models.ActionSendFollowup}

	mock.ExpectQuery("SELECT count(.+) FROM executions").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	exec, err := e.Execute(context.Background(), run, prop)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSkipped, exec.Status)
	assert.Equal(t, uuid.Nil, exec.ID, "rate-limit skip must not persist anything")
	assert.Zero(t, provider.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRetryExhaustionParksInDLQ(t *testing.T) {
	provider := &stubProvider{err: errors.New("smtp 451 temporary failure")}
	e, mock := newTestExecutor(t, provider)

	execID := uuid.New()
	run := &models.Run{ID: uuid.New(), CaseID: 5, TriggerType: models.TriggerManual}
	prop := &models.Proposal{
		ID:           uuid.New(),
		CaseID:       5,
		ActionType:   models.ActionSendFollowup,
		Status:       models.ProposalStatusApproved,
		DraftSubject: models.Ptr("Following up on our request"),
		DraftBody:    models.Ptr("Checking in on the records request."),
	}
	key := models.BuildExecutionKey(prop.ID)

	mock.ExpectQuery("SELECT count(.+) FROM executions").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE proposals SET execution_key").
		WithArgs(prop.ID, key).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO executions").
		WillReturnRows(executionRow(execID, prop, run.ID, key))
	mock.ExpectQuery("SELECT (.+) FROM cases WHERE id").
		WillReturnRows(caseRow(5, models.CaseStatusAwaitingResponse))

	// One retry after the first failure, then exhaustion.
	mock.ExpectExec("UPDATE executions SET retry_count").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("INSERT INTO dead_letter_queue").
		WithArgs("executions", execID.String(), sqlmock.AnyArg(),
			"smtp 451 temporary failure", 2, int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "queue_name", "job_id", "job_data", "error", "attempt_count",
			"case_id", "resolution", "created_at", "resolved_at",
		}).AddRow(
			uuid.New().String(), "executions", execID.String(), []byte(`{}`),
			"smtp 451 temporary failure", 2, int64(5), nil, time.Now(), nil))
	mock.ExpectExec("UPDATE executions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	expectSnapshot(mock, 5, models.CaseStatusAwaitingResponse)
	mock.ExpectQuery("INSERT INTO case_event_ledger").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "case_id", "event", "transition_key", "context",
			"mutations_applied", "projection", "created_at",
		}).AddRow(
			int64(91), int64(5), string(models.EventEmailFailed), "k-fail",
			[]byte(`{}`), nil, nil, time.Now()))
	mock.ExpectExec("UPDATE proposals SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE cases SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE case_event_ledger SET mutations_applied").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	exec, err := e.Execute(context.Background(), run, prop)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "smtp 451 temporary failure", *exec.Error)
	assert.Equal(t, 2, provider.calls, "one initial attempt plus one retry")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestThreadingHeaders(t *testing.T) {
	t.Run("first reply references only the trigger", func(t *testing.T) {
		msg := &models.Message{RFCMessageID: models.Ptr("<m1@agency.gov>")}
		inReplyTo, refs := threadingHeaders(msg)
		assert.Equal(t, "<m1@agency.gov>", inReplyTo)
		assert.Equal(t, "<m1@agency.gov>", refs)
	})

	t.Run("deep reply extends the chain", func(t *testing.T) {
		msg := &models.Message{
			RFCMessageID:     models.Ptr("<m3@agency.gov>"),
			ReferencesHeader: models.Ptr("<m1@agency.gov> <m2@agency.gov>"),
		}
		inReplyTo, refs := threadingHeaders(msg)
		assert.Equal(t, "<m3@agency.gov>", inReplyTo)
		assert.Equal(t, "<m1@agency.gov> <m2@agency.gov> <m3@agency.gov>", refs)
	})

	t.Run("message without an rfc id cannot thread", func(t *testing.T) {
		inReplyTo, refs := threadingHeaders(&models.Message{})
		assert.Empty(t, inReplyTo)
		assert.Empty(t, refs)
	})

	t.Run("nil trigger", func(t *testing.T) {
		inReplyTo, refs := threadingHeaders(nil)
		assert.Empty(t, inReplyTo)
		assert.Empty(t, refs)
	})
}

func TestSyntheticSkip(t *testing.T) {
	run := &models.Run{ID: uuid.New(), CaseID: 7}
	prop := &models.Proposal{ID: uuid.New(), CaseID: 7, ActionType: models.ActionSendFollowup}
	traits, ok := models.TraitsFor(prop.ActionType)
	require.True(t, ok)

	exec := syntheticSkip(run, prop, traits, models.BuildExecutionKey(prop.ID), "rate limit")

	assert.Equal(t, uuid.Nil, exec.ID, "synthetic skip must not look persisted")
	assert.Equal(t, models.ExecutionStatusSkipped, exec.Status)
	assert.Equal(t, models.ProviderEmail, exec.Provider)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "rate limit", *exec.Error)
	require.NotNil(t, exec.RunID)
	assert.Equal(t, run.ID, *exec.RunID)
}

func TestDerefOr(t *testing.T) {
	assert.Equal(t, "fallback", derefOr(nil, "fallback"))
	assert.Equal(t, "fallback", derefOr(models.Ptr(""), "fallback"))
	assert.Equal(t, "value", derefOr(models.Ptr("value"), "fallback"))
}

func TestNilIfEmpty(t *testing.T) {
	assert.Nil(t, nilIfEmpty(""))
	require.NotNil(t, nilIfEmpty("x"))
	assert.Equal(t, "x", *nilIfEmpty("x"))
}
