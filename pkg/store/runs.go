package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openrecords/docket/pkg/models"
)

// ErrActiveRunExists indicates the one-active-run-per-case index rejected
// an insert: another run already holds the case.
var ErrActiveRunExists = errors.New("active run exists")

// ErrScheduledKeyExists indicates a timer fire collapsed onto a run a
// previous fire already dispatched.
var ErrScheduledKeyExists = errors.New("scheduled key already dispatched")

const runColumns = `id, case_id, trigger_type, trigger_message_id,
	scheduled_key, status, autopilot_mode, pod_id, error,
	started_at, ended_at, heartbeat_at, lock_expires_at, created_at`

// NewRun is the insert payload for a dispatched run.
type NewRun struct {
	CaseID           int64
	TriggerType      models.TriggerType
	TriggerMessageID *uuid.UUID
	ScheduledKey     *string
	AutopilotMode    models.AutopilotMode
	LockExpiresAt    time.Time
}

// InsertRun creates a queued run. The partial unique indexes turn races
// into sentinels: ErrActiveRunExists when the case already has an active
// run, ErrScheduledKeyExists when the timer token was already dispatched.
func (s *Store) InsertRun(ctx context.Context, q Queryer, nr NewRun) (*models.Run, error) {
	var r models.Run
	err := sqlxGet(ctx, q, &r, `
		INSERT INTO agent_runs (
			case_id, trigger_type, trigger_message_id, scheduled_key,
			status, autopilot_mode, lock_expires_at
		) VALUES ($1, $2, $3, $4, 'queued', $5, $6)
		RETURNING `+runColumns,
		nr.CaseID, nr.TriggerType, nr.TriggerMessageID, nr.ScheduledKey,
		nr.AutopilotMode, nr.LockExpiresAt)
	if err != nil {
		if isUniqueViolation(err, "agent_runs_one_active_per_case") {
			return nil, ErrActiveRunExists
		}
		if isUniqueViolation(err, "agent_runs_scheduled_key_key") {
			return nil, ErrScheduledKeyExists
		}
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &r, nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, q Queryer, id uuid.UUID) (*models.Run, error) {
	var r models.Run
	err := sqlxGet(ctx, q, &r,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("run %s", id))
	}
	return &r, nil
}

// GetActiveRunForCase returns the run currently holding the case's
// single-flight slot, or ErrNotFound.
func (s *Store) GetActiveRunForCase(ctx context.Context, q Queryer, caseID int64) (*models.Run, error) {
	var r models.Run
	err := sqlxGet(ctx, q, &r, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE case_id = $1 AND status IN (`+activeRunSet+`)
		LIMIT 1`, caseID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("active run for case %d", caseID))
	}
	return &r, nil
}

// GetRunByScheduledKey resolves a timer token to the run it dispatched.
func (s *Store) GetRunByScheduledKey(ctx context.Context, q Queryer, key string) (*models.Run, error) {
	var r models.Run
	err := sqlxGet(ctx, q, &r,
		`SELECT `+runColumns+` FROM agent_runs WHERE scheduled_key = $1`, key)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("run for scheduled key %q", key))
	}
	return &r, nil
}

// ClaimNextRun atomically claims the oldest queued run for a worker using
// FOR UPDATE SKIP LOCKED, marking it running with a fresh heartbeat and
// lock window. Returns ErrNotFound when the queue is empty.
func (s *Store) ClaimNextRun(ctx context.Context, podID string, lockTTL time.Duration) (*models.Run, error) {
	var claimed models.Run
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		var r models.Run
		err := tx.GetContext(ctx, &r, `
			SELECT `+runColumns+` FROM agent_runs
			WHERE status = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED`)
		if err != nil {
			return notFound(err, "queued run")
		}

		now := time.Now()
		err = tx.GetContext(ctx, &claimed, `
			UPDATE agent_runs
			SET status = 'running', pod_id = $2, started_at = $3,
			    heartbeat_at = $3, lock_expires_at = $4
			WHERE id = $1
			RETURNING `+runColumns,
			r.ID, podID, now, now.Add(lockTTL))
		if err != nil {
			return fmt.Errorf("claim run %s: %w", r.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// UpdateRun applies a partial update. A zero patch is a no-op.
func (s *Store) UpdateRun(ctx context.Context, q Queryer, id uuid.UUID, p models.RunPatch) error {
	if p.IsZero() {
		return nil
	}
	sets := []string{}
	args := []any{}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		set("status", *p.Status)
	}
	if p.Error != nil {
		set("error", *p.Error)
	}
	if p.PodID != nil {
		set("pod_id", *p.PodID)
	}
	if p.StartedAt != nil {
		set("started_at", *p.StartedAt)
	}
	if p.EndedAt != nil {
		set("ended_at", *p.EndedAt)
	}
	if p.HeartbeatAt != nil {
		set("heartbeat_at", *p.HeartbeatAt)
	}
	if p.LockExpiresAt != nil {
		set("lock_expires_at", *p.LockExpiresAt)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE agent_runs SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// Heartbeat refreshes a running run's liveness and extends its lock window.
// Returns false when the run is no longer running (reaped or finished), the
// signal for a worker to abandon the pipeline.
func (s *Store) Heartbeat(ctx context.Context, q Queryer, id uuid.UUID, lockTTL time.Duration) (bool, error) {
	now := time.Now()
	res, err := q.ExecContext(ctx, `
		UPDATE agent_runs SET heartbeat_at = $2, lock_expires_at = $3
		WHERE id = $1 AND status = 'running'`,
		id, now, now.Add(lockTTL))
	if err != nil {
		return false, fmt.Errorf("heartbeat run %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// StaleRuns returns running runs whose heartbeat is older than threshold.
// The reaper cleans these via RUN_STALE_CLEANED.
func (s *Store) StaleRuns(ctx context.Context, q Queryer, threshold time.Time, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []models.Run
	err := sqlxSelect(ctx, q, &runs, fmt.Sprintf(`
		SELECT %s FROM agent_runs
		WHERE status = 'running' AND heartbeat_at < $1
		ORDER BY heartbeat_at
		LIMIT %d`, runColumns, limit), threshold)
	if err != nil {
		return nil, fmt.Errorf("stale runs: %w", err)
	}
	return runs, nil
}

// RunsOwnedByPod returns this pod's non-terminal runs; the startup cleanup
// reaps them after a crash-restart.
func (s *Store) RunsOwnedByPod(ctx context.Context, q Queryer, podID string) ([]models.Run, error) {
	var runs []models.Run
	err := sqlxSelect(ctx, q, &runs, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE pod_id = $1 AND status IN ('processing', 'running')`, podID)
	if err != nil {
		return nil, fmt.Errorf("runs owned by pod %s: %w", podID, err)
	}
	return runs, nil
}

// CancelActiveRunsExcept defensively fails every active run on the case
// other than the ones named. Two active runs is a broken invariant; this
// repairs it. Returns rows touched.
func (s *Store) CancelActiveRunsExcept(ctx context.Context, q Queryer, caseID int64, keep []uuid.UUID, reason string) (int64, error) {
	args := []any{caseID, reason}
	exclude := ""
	if len(keep) > 0 {
		ph := make([]string, len(keep))
		for i, id := range keep {
			args = append(args, id)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		exclude = " AND id NOT IN (" + strings.Join(ph, ", ") + ")"
	}
	res, err := q.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = 'failed', error = $2, ended_at = now()
		WHERE case_id = $1 AND status IN (`+activeRunSet+`)`+exclude,
		args...)
	if err != nil {
		return 0, fmt.Errorf("cancel active runs for case %d: %w", caseID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueDepth counts queued runs awaiting a worker.
func (s *Store) QueueDepth(ctx context.Context, q Queryer) (int, error) {
	var n int
	if err := sqlxGet(ctx, q, &n,
		`SELECT count(*) FROM agent_runs WHERE status = 'queued'`); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ListRunsForCase returns the case's run history, newest first.
func (s *Store) ListRunsForCase(ctx context.Context, q Queryer, caseID int64, limit int) ([]models.Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []models.Run
	err := sqlxSelect(ctx, q, &runs, fmt.Sprintf(`
		SELECT %s FROM agent_runs WHERE case_id = $1
		ORDER BY created_at DESC LIMIT %d`, runColumns, limit), caseID)
	if err != nil {
		return nil, fmt.Errorf("list runs for case %d: %w", caseID, err)
	}
	return runs, nil
}
