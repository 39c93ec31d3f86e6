package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/models"
)

const dlqColumns = `id, queue_name, job_id, job_data, error, attempt_count,
	case_id, resolution, created_at, resolved_at`

// NewDeadLetter is the insert payload for an exhausted job.
type NewDeadLetter struct {
	QueueName    string
	JobID        *string
	JobData      json.RawMessage
	Error        string
	AttemptCount int
	CaseID       *int64
}

// InsertDeadLetter parks an exhausted job for operator review.
func (s *Store) InsertDeadLetter(ctx context.Context, q Queryer, nd NewDeadLetter) (*models.DeadLetter, error) {
	var d models.DeadLetter
	err := sqlxGet(ctx, q, &d, `
		INSERT INTO dead_letter_queue (
			queue_name, job_id, job_data, error, attempt_count, case_id
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+dlqColumns,
		nd.QueueName, nd.JobID, nullableJSON(nd.JobData), nd.Error,
		nd.AttemptCount, nd.CaseID)
	if err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}
	return &d, nil
}

// GetDeadLetter loads one dead letter.
func (s *Store) GetDeadLetter(ctx context.Context, q Queryer, id uuid.UUID) (*models.DeadLetter, error) {
	var d models.DeadLetter
	err := sqlxGet(ctx, q, &d,
		`SELECT `+dlqColumns+` FROM dead_letter_queue WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("dead letter %s", id))
	}
	return &d, nil
}

// ListDeadLetters returns unresolved entries, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, q Queryer, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var letters []models.DeadLetter
	err := sqlxSelect(ctx, q, &letters, fmt.Sprintf(`
		SELECT %s FROM dead_letter_queue
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT %d`, dlqColumns, limit))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return letters, nil
}

// ResolveDeadLetter marks an entry handled. Returns ErrNotFound when the
// entry does not exist or was already resolved.
func (s *Store) ResolveDeadLetter(ctx context.Context, q Queryer, id uuid.UUID, resolution string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE dead_letter_queue SET resolution = $2, resolved_at = $3
		WHERE id = $1 AND resolved_at IS NULL`,
		id, resolution, at)
	if err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	return nil
}
