package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/models"
)

const executionColumns = `id, case_id, proposal_id, run_id, execution_key,
	action_type, status, provider, provider_message_id, error, retry_count,
	created_at, completed_at`

// NewExecution is the insert payload for a side-effect attempt group.
type NewExecution struct {
	CaseID       int64
	ProposalID   uuid.UUID
	RunID        *uuid.UUID
	ExecutionKey string
	ActionType   models.ActionType
	Provider     models.Provider
}

// InsertExecution creates a queued execution. A duplicate execution key
// means a previous attempt already owns the side effect; callers get the
// existing row with created = false and must not send again.
func (s *Store) InsertExecution(ctx context.Context, q Queryer, ne NewExecution) (*models.Execution, bool, error) {
	var e models.Execution
	err := sqlxGet(ctx, q, &e, `
		INSERT INTO executions (
			case_id, proposal_id, run_id, execution_key, action_type, provider
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+executionColumns,
		ne.CaseID, ne.ProposalID, ne.RunID, ne.ExecutionKey, ne.ActionType,
		ne.Provider)
	if err == nil {
		return &e, true, nil
	}
	if !isUniqueViolation(err, "executions_execution_key_key") {
		return nil, false, fmt.Errorf("insert execution: %w", err)
	}

	existing, lookupErr := s.GetExecutionByKey(ctx, q, ne.ExecutionKey)
	if lookupErr != nil {
		return nil, false, lookupErr
	}
	return existing, false, nil
}

// GetExecution loads one execution.
func (s *Store) GetExecution(ctx context.Context, q Queryer, id uuid.UUID) (*models.Execution, error) {
	var e models.Execution
	err := sqlxGet(ctx, q, &e,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("execution %s", id))
	}
	return &e, nil
}

// GetExecutionByKey resolves an execution key to its row.
func (s *Store) GetExecutionByKey(ctx context.Context, q Queryer, key string) (*models.Execution, error) {
	var e models.Execution
	err := sqlxGet(ctx, q, &e,
		`SELECT `+executionColumns+` FROM executions WHERE execution_key = $1`, key)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("execution key %q", key))
	}
	return &e, nil
}

// ExecutionUpdate carries the mutable outcome fields of an execution.
type ExecutionUpdate struct {
	Status            *models.ExecutionStatus
	ProviderMessageID *string
	Error             *string
	RetryCount        *int
	CompletedAt       *time.Time
}

// UpdateExecution applies an outcome update.
func (s *Store) UpdateExecution(ctx context.Context, q Queryer, id uuid.UUID, u ExecutionUpdate) error {
	sets := []string{}
	args := []any{}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.Status != nil {
		set("status", *u.Status)
	}
	if u.ProviderMessageID != nil {
		set("provider_message_id", *u.ProviderMessageID)
	}
	if u.Error != nil {
		set("error", *u.Error)
	}
	if u.RetryCount != nil {
		set("retry_count", *u.RetryCount)
	}
	if u.CompletedAt != nil {
		set("completed_at", *u.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountRecentOutbound counts executions that actually left the system for
// a case since the cutoff. The executor's per-case rate limit scans this.
func (s *Store) CountRecentOutbound(ctx context.Context, q Queryer, caseID int64, since time.Time) (int, error) {
	var n int
	err := sqlxGet(ctx, q, &n, `
		SELECT count(*) FROM executions
		WHERE case_id = $1
		  AND created_at >= $2
		  AND provider IN ('email', 'portal')
		  AND status IN ('QUEUED', 'SENT')`,
		caseID, since)
	if err != nil {
		return 0, fmt.Errorf("count recent outbound for case %d: %w", caseID, err)
	}
	return n, nil
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	CaseID *int64
	Status *models.ExecutionStatus
	Limit  int
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, q Queryer, f ExecutionFilter) ([]models.Execution, error) {
	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.CaseID != nil {
		where = append(where, "case_id = "+arg(*f.CaseID))
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(*f.Status))
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM executions WHERE %s ORDER BY created_at DESC LIMIT %d`,
		executionColumns, strings.Join(where, " AND "), limit)

	var execs []models.Execution
	if err := sqlxSelect(ctx, q, &execs, query, args...); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}
