package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/models"
)

const portalTaskColumns = `id, case_id, proposal_id, execution_id,
	portal_url, content, instructions, status, assignee,
	confirmation_number, created_at, updated_at`

// NewPortalTask is the insert payload for a manual portal work item.
type NewPortalTask struct {
	CaseID       int64
	ProposalID   *uuid.UUID
	ExecutionID  *uuid.UUID
	PortalURL    string
	Content      *string
	Instructions *string
}

// InsertPortalTask creates a PENDING portal task.
func (s *Store) InsertPortalTask(ctx context.Context, q Queryer, nt NewPortalTask) (*models.PortalTask, error) {
	var t models.PortalTask
	err := sqlxGet(ctx, q, &t, `
		INSERT INTO portal_tasks (
			case_id, proposal_id, execution_id, portal_url, content, instructions
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+portalTaskColumns,
		nt.CaseID, nt.ProposalID, nt.ExecutionID, nt.PortalURL, nt.Content,
		nt.Instructions)
	if err != nil {
		return nil, fmt.Errorf("insert portal task: %w", err)
	}
	return &t, nil
}

// GetPortalTask loads one portal task.
func (s *Store) GetPortalTask(ctx context.Context, q Queryer, id uuid.UUID) (*models.PortalTask, error) {
	var t models.PortalTask
	err := sqlxGet(ctx, q, &t,
		`SELECT `+portalTaskColumns+` FROM portal_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("portal task %s", id))
	}
	return &t, nil
}

// PortalTasksForCase returns the case's portal tasks, newest first.
func (s *Store) PortalTasksForCase(ctx context.Context, q Queryer, caseID int64) ([]models.PortalTask, error) {
	var tasks []models.PortalTask
	err := sqlxSelect(ctx, q, &tasks, `
		SELECT `+portalTaskColumns+` FROM portal_tasks
		WHERE case_id = $1 ORDER BY created_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("portal tasks for case %d: %w", caseID, err)
	}
	return tasks, nil
}

// UpdatePortalTask applies a partial update. A zero patch is a no-op.
func (s *Store) UpdatePortalTask(ctx context.Context, q Queryer, id uuid.UUID, p models.PortalTaskPatch) error {
	if p.IsZero() {
		return nil
	}
	sets := []string{"updated_at = now()"}
	args := []any{}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		set("status", *p.Status)
	}
	if p.Assignee != nil {
		set("assignee", *p.Assignee)
	}
	if p.ConfirmationNumber != nil {
		set("confirmation_number", *p.ConfirmationNumber)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE portal_tasks SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update portal task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("portal task %s: %w", id, ErrNotFound)
	}
	return nil
}

// StuckPortalTasks returns tasks sitting in PENDING since before the
// cutoff; the stuck-portal sweep fails these.
func (s *Store) StuckPortalTasks(ctx context.Context, q Queryer, cutoff time.Time, limit int) ([]models.PortalTask, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []models.PortalTask
	err := sqlxSelect(ctx, q, &tasks, fmt.Sprintf(`
		SELECT %s FROM portal_tasks
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		LIMIT %d`, portalTaskColumns, limit), cutoff)
	if err != nil {
		return nil, fmt.Errorf("stuck portal tasks: %w", err)
	}
	return tasks, nil
}
