//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/database"
	"github.com/openrecords/docket/pkg/events"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

var (
	sharedOnce   sync.Once
	sharedConfig database.Config
	sharedErr    error
)

// testDatabase starts one postgres container for the package and returns a
// migrated client.
func testDatabase(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	sharedOnce.Do(func() {
		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("docket_test"),
			postgres.WithUsername("docket"),
			postgres.WithPassword("docket"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			sharedErr = err
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			sharedErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432/tcp")
		if err != nil {
			sharedErr = err
			return
		}

		sharedConfig = database.Config{
			Host:            host,
			Port:            port.Int(),
			User:            "docket",
			Password:        "docket",
			Database:        "docket_test",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		}
	})
	require.NoError(t, sharedErr)

	client, err := database.NewClient(ctx, sharedConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func createTestCase(t *testing.T, st *store.Store) *models.Case {
	t.Helper()
	email := "records@agency.example"
	c, err := st.CreateCase(context.Background(), st.DB(), store.NewCase{
		AutopilotMode:     models.AutopilotSupervised,
		SubmissionChannel: models.ChannelEmail,
		AgencyName:        "State Archives",
		AgencyEmail:       &email,
		RequestedRecords:  models.StringList{"contract records 2024"},
	})
	require.NoError(t, err)
	return c
}

func TestSnapshotRoundTrip(t *testing.T) {
	st := store.New(testDatabase(t).DB())
	ctx := context.Background()
	c := createTestCase(t, st)

	_, err := st.SeedFollowup(ctx, st.DB(), c.ID, nil)
	require.NoError(t, err)

	run, err := st.InsertRun(ctx, st.DB(), store.NewRun{
		CaseID:        c.ID,
		TriggerType:   models.TriggerInitialRequest,
		AutopilotMode: models.AutopilotSupervised,
		LockExpiresAt: time.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	snap, err := st.LoadSnapshot(ctx, st.DB(), c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, c.ID, snap.Case.ID)
	require.NotNil(t, snap.ActiveRun)
	assert.Equal(t, run.ID, snap.ActiveRun.ID)
	require.NotNil(t, snap.Followup)
}

func TestSingleFlightIndex(t *testing.T) {
	st := store.New(testDatabase(t).DB())
	ctx := context.Background()
	c := createTestCase(t, st)

	_, err := st.InsertRun(ctx, st.DB(), store.NewRun{
		CaseID:        c.ID,
		TriggerType:   models.TriggerInitialRequest,
		AutopilotMode: models.AutopilotSupervised,
		LockExpiresAt: time.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	_, err = st.InsertRun(ctx, st.DB(), store.NewRun{
		CaseID:        c.ID,
		TriggerType:   models.TriggerFollowup,
		AutopilotMode: models.AutopilotSupervised,
		LockExpiresAt: time.Now().Add(2 * time.Minute),
	})
	assert.ErrorIs(t, err, store.ErrActiveRunExists)
}

func TestStaleRunsBoundary(t *testing.T) {
	st := store.New(testDatabase(t).DB())
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	threshold := now.Add(-60 * time.Second)

	startRunning := func(heartbeat time.Time) *models.Run {
		c := createTestCase(t, st)
		run, err := st.InsertRun(ctx, st.DB(), store.NewRun{
			CaseID:        c.ID,
			TriggerType:   models.TriggerInboundMessage,
			AutopilotMode: models.AutopilotSupervised,
			LockExpiresAt: now.Add(2 * time.Minute),
		})
		require.NoError(t, err)
		require.NoError(t, st.UpdateRun(ctx, st.DB(), run.ID, models.RunPatch{
			Status:      models.Ptr(models.RunStatusRunning),
			HeartbeatAt: &heartbeat,
		}))
		return run
	}

	// Silent for exactly the stale window: still considered alive.
	startRunning(threshold)
	// One second past the window: reaped.
	stale := startRunning(threshold.Add(-time.Second))

	runs, err := st.StaleRuns(ctx, st.DB(), threshold, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stale.ID, runs[0].ID)
}

func TestTransitionReplay(t *testing.T) {
	st := store.New(testDatabase(t).DB())
	resolver := runtime.NewResolver(st)
	ctx := context.Background()
	c := createTestCase(t, st)

	run, err := st.InsertRun(ctx, st.DB(), store.NewRun{
		CaseID:        c.ID,
		TriggerType:   models.TriggerInitialRequest,
		AutopilotMode: models.AutopilotSupervised,
		LockExpiresAt: time.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	first, err := resolver.Transition(ctx, c.ID, models.EventRunClaimed, caseevent.Context{
		RunID: &run.ID,
	})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// Same derived key applies once.
	second, err := resolver.Transition(ctx, c.ID, models.EventRunClaimed, caseevent.Context{
		RunID: &run.ID,
	})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.LedgerID, second.LedgerID)

	entries, err := st.ListLedgerForCase(ctx, st.DB(), c.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNotifyFanout(t *testing.T) {
	client := testDatabase(t)
	st := store.New(client.DB())
	resolver := runtime.NewResolver(st)
	ctx := context.Background()

	cfg := config.DefaultEventsConfig()
	resolver.Subscribe(events.NewPublisher(client.DB(), cfg))

	received := make(chan *events.Envelope, 1)
	listener := events.NewListener(sharedConfig.DSN(), cfg, events.SinkFunc(func(e *events.Envelope) {
		select {
		case received <- e:
		default:
		}
	}))
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() { listener.Stop(ctx) })

	c := createTestCase(t, st)
	run, err := st.InsertRun(ctx, st.DB(), store.NewRun{
		CaseID:        c.ID,
		TriggerType:   models.TriggerInitialRequest,
		AutopilotMode: models.AutopilotSupervised,
		LockExpiresAt: time.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	res, err := resolver.Transition(ctx, c.ID, models.EventRunClaimed, caseevent.Context{
		RunID: &run.ID,
	})
	require.NoError(t, err)

	select {
	case envelope := <-received:
		assert.Equal(t, c.ID, envelope.CaseID)
		assert.Equal(t, models.EventRunClaimed, envelope.Event)
		assert.Equal(t, res.LedgerID, envelope.LedgerID)
	case <-time.After(10 * time.Second):
		t.Fatal("no NOTIFY envelope received")
	}
}
