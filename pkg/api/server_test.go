package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/database"
	"github.com/openrecords/docket/pkg/dispatch"
	"github.com/openrecords/docket/pkg/engine"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/services"
	"github.com/openrecords/docket/pkg/store"
)

// testDispatcher stands in for the engine on dispatch calls.
type testDispatcher struct {
	result *models.DispatchResult
	err    error
	calls  []engine.DispatchRequest
}

func (d *testDispatcher) Dispatch(_ context.Context, _ int64, req engine.DispatchRequest) (*models.DispatchResult, error) {
	d.calls = append(d.calls, req)
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

type testController struct{}

func (testController) CancelRun(uuid.UUID) bool { return false }
func (testController) Health(context.Context) (*engine.PoolHealth, error) {
	return &engine.PoolHealth{PodID: "pod-test", Workers: []engine.WorkerHealth{}}, nil
}

type testResolver struct {
	run *models.Run
	err error
}

func (r *testResolver) ResolveDecision(context.Context, uuid.UUID, models.HumanDecision) (*models.Run, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.run, nil
}

func (r *testResolver) CompletePortalTask(context.Context, uuid.UUID, *string) error {
	return r.err
}

type serverFixture struct {
	server     *Server
	mock       sqlmock.Sqlmock
	dispatcher *testDispatcher
	resolver   *testResolver
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	st := store.New(sqlxDB)
	res := runtime.NewResolver(st)

	cfg := &config.Config{
		System:    &config.SystemConfig{PodID: "pod-test"},
		Server:    config.DefaultServerConfig(),
		Engine:    config.DefaultEngineConfig(),
		Followups: config.DefaultFollowupConfig(),
	}

	runID := uuid.New()
	dispatcher := &testDispatcher{
		result: &models.DispatchResult{Outcome: models.OutcomeDispatched, RunID: &runID},
	}
	resolver := &testResolver{run: &models.Run{ID: runID, Status: models.RunStatusQueued}}

	srv := NewServer(cfg, Deps{
		DB:        database.NewClientFromDB(sqlxDB),
		Cases:     services.NewCaseService(st, dispatcher),
		Proposals: services.NewProposalService(st, resolver),
		Runs:      services.NewRunService(st, res, testController{}),
		DLQ:       services.NewDLQService(st, dispatcher),
		Inbound:   dispatch.New(st, res, dispatcher, cfg),
	})
	return &serverFixture{server: srv, mock: mock, dispatcher: dispatcher, resolver: resolver}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func TestCreateCaseRejectsMissingFields(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodPost, "/api/v1/cases", map[string]any{"agencyName": "Clerk"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateCaseRejectsMissingContact(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodPost, "/api/v1/cases", map[string]any{
		"submissionChannel": "email",
		"agencyName":        "County Clerk",
		"requestedRecords":  []string{"minutes"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "agency_email")
}

func TestRunInitialAccepted(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodPost, "/api/v1/cases/7/run-initial", map[string]any{})
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, f.dispatcher.calls, 1)
	assert.Equal(t, models.TriggerInitialRequest, f.dispatcher.calls[0].TriggerType)
}

func TestRunInitialConflictOnActiveRun(t *testing.T) {
	f := newTestServer(t)
	f.dispatcher.result = &models.DispatchResult{Outcome: models.OutcomeActiveRunExists}
	w := f.do(t, http.MethodPost, "/api/v1/cases/7/run-initial", map[string]any{})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "active_run_exists")
}

func TestRunInitialBadCaseID(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodPost, "/api/v1/cases/not-a-number/run-initial", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCaseNotFound(t *testing.T) {
	f := newTestServer(t)
	f.mock.ExpectQuery("SELECT (.+) FROM cases WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	w := f.do(t, http.MethodGet, "/api/v1/cases/404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDecisionAccepted(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodPost, "/api/v1/proposals/"+uuid.NewString()+"/decision", map[string]any{
		"action":    "APPROVE",
		"decidedBy": "reviewer@example.org",
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "resumeRun")
}

func TestDecisionAlreadyDecided(t *testing.T) {
	f := newTestServer(t)
	f.resolver.err = store.ErrAlreadyDecided
	w := f.do(t, http.MethodPost, "/api/v1/proposals/"+uuid.NewString()+"/decision", map[string]any{
		"action":    "DISMISS",
		"decidedBy": "reviewer",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDecisionValidation(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodPost, "/api/v1/proposals/"+uuid.NewString()+"/decision", map[string]any{
		"action":    "ADJUST",
		"decidedBy": "reviewer",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "instruction")
}

func TestCancelRunConflictWhenTerminal(t *testing.T) {
	f := newTestServer(t)
	runID := uuid.New()
	f.mock.ExpectQuery("SELECT (.+) FROM agent_runs WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "case_id", "trigger_type", "trigger_message_id",
			"scheduled_key", "status", "autopilot_mode", "pod_id", "error",
			"started_at", "ended_at", "heartbeat_at", "lock_expires_at", "created_at",
		}).AddRow(
			runID.String(), int64(3), string(models.TriggerFollowup), nil,
			nil, string(models.RunStatusCompleted), string(models.AutopilotSupervised), nil, nil,
			nil, nil, time.Now(), time.Now(), time.Now()))

	w := f.do(t, http.MethodPost, "/api/v1/runs/"+runID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWebhookIgnoresUnmatchedSender(t *testing.T) {
	f := newTestServer(t)
	// Thread match then sender fallback both come up empty.
	f.mock.ExpectQuery("SELECT case_id FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"case_id"}))
	f.mock.ExpectQuery("SELECT (.+) FROM cases").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	w := f.do(t, http.MethodPost, "/webhooks/inbound", map[string]any{
		"providerMessageId": "prov-1",
		"from":              "stranger@example.org",
		"subject":           "hello",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestWebhookAcceptedCarriesReceivedAt(t *testing.T) {
	f := newTestServer(t)
	receivedAt := time.Date(2026, 3, 9, 15, 4, 5, 0, time.UTC)
	msgID := uuid.New()

	f.mock.ExpectQuery("SELECT case_id FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"case_id"}).AddRow(int64(12)))
	f.mock.ExpectQuery("INSERT INTO messages").
		WithArgs(int64(12), "inbound", "prov-2", "<reply-1@agency.gov>",
			"<orig-1@docket.example>", nil, "records@agency.gov",
			"intake@docket.example", "RE: records request",
			"Your records are attached.", receivedAt).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "case_id", "direction", "provider_message_id",
			"rfc_message_id", "in_reply_to", "references_header",
			"from_addr", "to_addr", "subject", "body",
			"received_at", "processed_at", "processed_run_id", "created_at",
		}).AddRow(
			msgID.String(), int64(12), "inbound", "prov-2",
			"<reply-1@agency.gov>", "<orig-1@docket.example>", nil,
			"records@agency.gov", "intake@docket.example", "RE: records request",
			"Your records are attached.", receivedAt, nil, nil, time.Now()))

	w := f.do(t, http.MethodPost, "/webhooks/inbound", map[string]any{
		"providerMessageId": "prov-2",
		"messageId":         "<reply-1@agency.gov>",
		"inReplyTo":         "<orig-1@docket.example>",
		"from":              "records@agency.gov",
		"to":                "intake@docket.example",
		"subject":           "RE: records request",
		"body":              "Your records are attached.",
		"receivedAt":        receivedAt,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "accepted")
	require.Len(t, f.dispatcher.calls, 1)
	assert.Equal(t, models.TriggerInboundMessage, f.dispatcher.calls[0].TriggerType)
	require.NotNil(t, f.dispatcher.calls[0].TriggerMessageID)
	assert.Equal(t, msgID, *f.dispatcher.calls[0].TriggerMessageID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestQueueHealth(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodGet, "/api/v1/system/queue", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pod-test")
}

func TestHealthUnhealthyOnDBError(t *testing.T) {
	f := newTestServer(t)
	f.mock.ExpectPing().WillReturnError(assert.AnError)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
