package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrecords/docket/pkg/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func runColumnsList() []string {
	return []string{
		"id", "case_id", "trigger_type", "trigger_message_id",
		"scheduled_key", "status", "autopilot_mode", "pod_id", "error",
		"started_at", "ended_at", "heartbeat_at", "lock_expires_at", "created_at",
	}
}

func queuedRunRow(id uuid.UUID, caseID int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(runColumnsList()).AddRow(
		id.String(), caseID, string(models.TriggerInitialRequest), nil,
		nil, string(models.RunStatusQueued), string(models.AutopilotSupervised), nil, nil,
		nil, nil, now, now.Add(2*time.Minute), now)
}

func TestInsertRunMapsSingleFlightConflict(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO agent_runs").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "agent_runs_one_active_per_case"})

	_, err := st.InsertRun(context.Background(), st.DB(), NewRun{
		CaseID:        3,
		TriggerType:   models.TriggerInitialRequest,
		AutopilotMode: models.AutopilotSupervised,
		LockExpiresAt: time.Now().Add(2 * time.Minute),
	})
	assert.ErrorIs(t, err, ErrActiveRunExists)
}

func TestInsertRunMapsScheduledKeyConflict(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO agent_runs").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "agent_runs_scheduled_key_key"})

	key := "followup:3:1:2025-06-01"
	_, err := st.InsertRun(context.Background(), st.DB(), NewRun{
		CaseID:        3,
		TriggerType:   models.TriggerFollowup,
		ScheduledKey:  &key,
		AutopilotMode: models.AutopilotSupervised,
		LockExpiresAt: time.Now().Add(2 * time.Minute),
	})
	assert.ErrorIs(t, err, ErrScheduledKeyExists)
}

func TestClaimNextRunEmptyQueue(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM agent_runs WHERE status = 'queued'").
		WillReturnRows(sqlmock.NewRows(runColumnsList()))
	mock.ExpectRollback()

	_, err := st.ClaimNextRun(context.Background(), "pod-1", 2*time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimNextRunMarksRunning(t *testing.T) {
	st, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM agent_runs WHERE status = 'queued'").
		WillReturnRows(queuedRunRow(runID, 3))
	mock.ExpectQuery("UPDATE agent_runs SET status = 'running'").
		WillReturnRows(sqlmock.NewRows(runColumnsList()).AddRow(
			runID.String(), int64(3), string(models.TriggerInitialRequest), nil,
			nil, string(models.RunStatusRunning), string(models.AutopilotSupervised), "pod-1", nil,
			now, nil, now, now.Add(2*time.Minute), now))
	mock.ExpectCommit()

	run, err := st.ClaimNextRun(context.Background(), "pod-1", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatReportsLostLock(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE agent_runs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	alive, err := st.Heartbeat(context.Background(), st.DB(), uuid.New(), 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, alive)
}
