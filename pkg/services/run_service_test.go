package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrecords/docket/pkg/engine"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

type fakeController struct {
	cancelable map[uuid.UUID]bool
	cancelled  []uuid.UUID
}

func (f *fakeController) CancelRun(runID uuid.UUID) bool {
	if f.cancelable[runID] {
		f.cancelled = append(f.cancelled, runID)
		return true
	}
	return false
}

func (f *fakeController) Health(context.Context) (*engine.PoolHealth, error) {
	return &engine.PoolHealth{PodID: "pod-test"}, nil
}

func newTestRunService(t *testing.T) (*RunService, *fakeController, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(sqlx.NewDb(db, "sqlmock"))
	ctrl := &fakeController{cancelable: map[uuid.UUID]bool{}}
	return NewRunService(st, runtime.NewResolver(st), ctrl), ctrl, mock
}

func expectRunLookup(mock sqlmock.Sqlmock, runID uuid.UUID, caseID int64, status models.RunStatus, podID *string) {
	mock.ExpectQuery("SELECT (.+) FROM agent_runs WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "case_id", "trigger_type", "trigger_message_id",
			"scheduled_key", "status", "autopilot_mode", "pod_id", "error",
			"started_at", "ended_at", "heartbeat_at", "lock_expires_at", "created_at",
		}).AddRow(
			runID.String(), caseID, string(models.TriggerInboundMessage), nil,
			nil, string(status), string(models.AutopilotSupervised), podID, nil,
			nil, nil, time.Now(), time.Now(), time.Now()))
}

func TestCancelTerminalRunRefused(t *testing.T) {
	svc, _, mock := newTestRunService(t)
	runID := uuid.New()
	expectRunLookup(mock, runID, 5, models.RunStatusCompleted, nil)

	err := svc.Cancel(context.Background(), runID)
	assert.ErrorIs(t, err, ErrRunNotCancelable)
}

func TestCancelInFlightRunUsesRegistry(t *testing.T) {
	svc, ctrl, mock := newTestRunService(t)
	runID := uuid.New()
	ctrl.cancelable[runID] = true
	expectRunLookup(mock, runID, 5, models.RunStatusRunning, nil)

	require.NoError(t, svc.Cancel(context.Background(), runID))
	assert.Equal(t, []uuid.UUID{runID}, ctrl.cancelled)
}

func TestCancelRunHeldByAnotherPod(t *testing.T) {
	svc, _, mock := newTestRunService(t)
	runID := uuid.New()
	other := "pod-other"
	expectRunLookup(mock, runID, 5, models.RunStatusRunning, &other)

	err := svc.Cancel(context.Background(), runID)
	require.ErrorIs(t, err, ErrRunNotCancelable)
	assert.Contains(t, err.Error(), "pod-other")
}
