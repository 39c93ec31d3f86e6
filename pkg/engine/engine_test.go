package engine

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/pipeline"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, run *models.Run) (pipeline.State, error) {
	return pipeline.State{}, nil
}

func testEngineConfig() *config.Config {
	return &config.Config{
		System:    &config.SystemConfig{PodID: "pod-test"},
		Autopilot: config.DefaultAutopilotConfig(),
		Engine:    config.DefaultEngineConfig(),
	}
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	st := store.New(sqlxDB)
	return New(st, runtime.NewResolver(st), testEngineConfig(), noopRunner{}), mock
}

func caseRowColumns() []string {
	return []string{
		"id", "status", "substatus", "requires_human", "pause_reason",
		"next_due_at", "autopilot_mode", "submission_channel", "agency_name",
		"agency_jurisdiction", "agency_email", "portal_url",
		"requested_records", "scope_items", "constraints", "send_date",
		"last_response_date", "research_notes", "created_at", "updated_at",
	}
}

func caseRowValues(id int64, status models.CaseStatus) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, string(status), nil, false, nil,
		nil, string(models.AutopilotSupervised), string(models.ChannelEmail), "City Records Office",
		nil, "records@city.example", nil,
		[]byte(`["budget records"]`), []byte(`[]`), []byte(`{}`), nil,
		nil, nil, now, now,
	}
}

func runRowColumns() []string {
	return []string{
		"id", "case_id", "trigger_type", "trigger_message_id",
		"scheduled_key", "status", "autopilot_mode", "pod_id", "error",
		"started_at", "ended_at", "heartbeat_at", "lock_expires_at", "created_at",
	}
}

func runRowValues(id uuid.UUID, caseID int64, status models.RunStatus) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id.String(), caseID, string(models.TriggerInboundMessage), nil,
		nil, string(status), string(models.AutopilotSupervised), nil, nil,
		nil, nil, now, now.Add(2 * time.Minute), now,
	}
}

func TestDispatchCaseNotFound(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.ExpectQuery("SELECT (.+) FROM cases WHERE id").
		WillReturnRows(sqlmock.NewRows(caseRowColumns()))

	res, err := e.Dispatch(context.Background(), 404, DispatchRequest{
		TriggerType: models.TriggerInboundMessage,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCaseNotFound, res.Outcome)
	assert.Nil(t, res.RunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchTerminalCase(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.ExpectQuery("SELECT (.+) FROM cases WHERE id").
		WillReturnRows(sqlmock.NewRows(caseRowColumns()).
			AddRow(caseRowValues(7, models.CaseStatusCompleted)...))

	res, err := e.Dispatch(context.Background(), 7, DispatchRequest{
		TriggerType: models.TriggerFollowup,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadySent, res.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchDedupsOnActiveRun(t *testing.T) {
	e, mock := newTestEngine(t)
	existing := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM cases WHERE id").
		WillReturnRows(sqlmock.NewRows(caseRowColumns()).
			AddRow(caseRowValues(7, models.CaseStatusAwaitingResponse)...))
	mock.ExpectQuery("SELECT (.+) FROM agent_runs").
		WillReturnRows(sqlmock.NewRows(runRowColumns()).
			AddRow(runRowValues(existing, 7, models.RunStatusRunning)...))

	res, err := e.Dispatch(context.Background(), 7, DispatchRequest{
		TriggerType: models.TriggerInboundMessage,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeActiveRunExists, res.Outcome)
	require.NotNil(t, res.RunID)
	assert.Equal(t, existing, *res.RunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchInsertsQueuedRun(t *testing.T) {
	e, mock := newTestEngine(t)
	created := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM cases WHERE id").
		WillReturnRows(sqlmock.NewRows(caseRowColumns()).
			AddRow(caseRowValues(7, models.CaseStatusAwaitingResponse)...))
	mock.ExpectQuery("SELECT (.+) FROM agent_runs").
		WillReturnRows(sqlmock.NewRows(runRowColumns()))
	mock.ExpectQuery("INSERT INTO agent_runs").
		WillReturnRows(sqlmock.NewRows(runRowColumns()).
			AddRow(runRowValues(created, 7, models.RunStatusQueued)...))

	res, err := e.Dispatch(context.Background(), 7, DispatchRequest{
		TriggerType: models.TriggerInboundMessage,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDispatched, res.Outcome)
	require.NotNil(t, res.RunID)
	assert.Equal(t, created, *res.RunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPollIntervalJitterBounds(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.PollInterval = time.Second
	cfg.Engine.PollJitter = 200 * time.Millisecond

	w := &worker{pool: &Pool{cfg: cfg}}
	for i := 0; i < 100; i++ {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestCancelRunRegistry(t *testing.T) {
	p := &Pool{activeRuns: make(map[uuid.UUID]context.CancelFunc)}
	runID := uuid.New()

	assert.False(t, p.CancelRun(runID), "unknown run should not cancel")

	ctx, cancel := context.WithCancel(context.Background())
	p.registerRun(runID, cancel)
	assert.True(t, p.CancelRun(runID))
	assert.Error(t, ctx.Err(), "context should be cancelled")

	p.unregisterRun(runID)
	assert.False(t, p.CancelRun(runID))
}
