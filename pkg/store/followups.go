package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openrecords/docket/pkg/models"
)

const followupColumns = `case_id, next_followup_date, followup_count,
	status, scheduled_key, updated_at`

// SeedFollowup creates the case's schedule row, or leaves an existing one
// alone. Called once at case import.
func (s *Store) SeedFollowup(ctx context.Context, q Queryer, caseID int64, next *time.Time) (*models.FollowupSchedule, error) {
	var f models.FollowupSchedule
	err := sqlxGet(ctx, q, &f, `
		INSERT INTO follow_up_schedule (case_id, next_followup_date, status)
		VALUES ($1, $2, 'scheduled')
		ON CONFLICT (case_id) DO UPDATE SET updated_at = follow_up_schedule.updated_at
		RETURNING `+followupColumns, caseID, next)
	if err != nil {
		return nil, fmt.Errorf("seed followup for case %d: %w", caseID, err)
	}
	return &f, nil
}

// GetFollowup loads the case's schedule row.
func (s *Store) GetFollowup(ctx context.Context, q Queryer, caseID int64) (*models.FollowupSchedule, error) {
	var f models.FollowupSchedule
	err := sqlxGet(ctx, q, &f,
		`SELECT `+followupColumns+` FROM follow_up_schedule WHERE case_id = $1`, caseID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("followup for case %d", caseID))
	}
	return &f, nil
}

// UpdateFollowup applies a partial update. A zero patch is a no-op.
// Upserts so a reducer can schedule a followup on a case imported before
// followups existed.
func (s *Store) UpdateFollowup(ctx context.Context, q Queryer, caseID int64, p models.FollowupPatch) error {
	if p.IsZero() {
		return nil
	}

	if _, err := s.SeedFollowup(ctx, q, caseID, nil); err != nil {
		return err
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
	if p.NextFollowupDate != nil {
		set("next_followup_date", *p.NextFollowupDate)
	} else if p.ClearNextDate {
		sets = append(sets, "next_followup_date = NULL")
	}
	if p.FollowupCount != nil {
		set("followup_count", *p.FollowupCount)
	}
	if p.ScheduledKey != nil {
		set("scheduled_key", *p.ScheduledKey)
	} else if p.ClearScheduledKey {
		sets = append(sets, "scheduled_key = NULL")
	}

	args = append(args, caseID)
	query := fmt.Sprintf("UPDATE follow_up_schedule SET %s WHERE case_id = $%d",
		strings.Join(sets, ", "), len(args))

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update followup for case %d: %w", caseID, err)
	}
	return nil
}

// DueFollowups returns scheduled rows whose date has passed. The followup
// dispatch sweep consumes these.
func (s *Store) DueFollowups(ctx context.Context, q Queryer, now time.Time, limit int) ([]models.FollowupSchedule, error) {
	if limit <= 0 {
		limit = 100
	}
	var due []models.FollowupSchedule
	err := sqlxSelect(ctx, q, &due, fmt.Sprintf(`
		SELECT %s FROM follow_up_schedule
		WHERE status = 'scheduled'
		  AND next_followup_date IS NOT NULL
		  AND next_followup_date <= $1
		ORDER BY next_followup_date
		LIMIT %d`, followupColumns, limit), now)
	if err != nil {
		return nil, fmt.Errorf("due followups: %w", err)
	}
	return due, nil
}

// MarkFollowupProcessing flips a due row from scheduled to processing and
// records the dispatch token. Returns false when another sweep got there
// first, which makes overlapping sweeps safe.
func (s *Store) MarkFollowupProcessing(ctx context.Context, q Queryer, caseID int64, scheduledKey string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE follow_up_schedule
		SET status = 'processing', scheduled_key = $2, updated_at = now()
		WHERE case_id = $1 AND status = 'scheduled'`,
		caseID, scheduledKey)
	if err != nil {
		return false, fmt.Errorf("mark followup processing for case %d: %w", caseID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
