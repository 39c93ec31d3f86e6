// Package store is the durable record of cases and their satellites:
// messages, runs, proposals, executions, portal tasks, followups, the event
// ledger, the dead-letter queue, and cron leases.
//
// Every method takes a Queryer so callers choose between the pooled handle
// and an open transaction; the runtime transition layer runs whole reducer
// applications inside one tx. The store never decides state-machine
// legality — that belongs to pkg/caseevent and pkg/runtime.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/openrecords/docket/pkg/models"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyApplied indicates a ledger insert hit an existing
	// (case_id, transition_key) row: the transition already happened.
	ErrAlreadyApplied = errors.New("transition already applied")

	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = errors.New("duplicate row")
)

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type Queryer = sqlx.ExtContext

func sqlxGet(ctx context.Context, q Queryer, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q, dest, query, args...)
}

func sqlxSelect(ctx context.Context, q Queryer, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

// Store wraps the database handle with typed accessors.
type Store struct {
	db *sqlx.DB
}

// New creates a Store over an open handle.
func New(db *sqlx.DB) *Store {
	if db == nil {
		panic("store.New: db is required")
	}
	return &Store{db: db}
}

// DB exposes the pooled handle for callers that do not need a transaction.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// InTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AdvisoryLockCase takes a transaction-scoped advisory lock on the case.
// Returns false when another session holds it. The lock releases with the
// transaction.
func AdvisoryLockCase(ctx context.Context, tx *sqlx.Tx, caseID int64) (bool, error) {
	var acquired bool
	if err := tx.GetContext(ctx, &acquired,
		`SELECT pg_try_advisory_xact_lock($1)`, advisoryKey(caseID)); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	return acquired, nil
}

// advisoryKey maps a case id into the advisory lock keyspace. Case ids are
// already unique int64s, so the identity mapping is correct and debuggable
// (the id shows up verbatim in pg_locks).
func advisoryKey(caseID int64) int64 {
	return caseID
}

// CaseLock is a session-scoped advisory lock pinned to one pooled
// connection. Workers hold it for the full pipeline execution so two pods
// can never overlap on a case even if the active-run index is briefly
// inconsistent.
type CaseLock struct {
	conn   *sqlx.Conn
	caseID int64
}

// AcquireCaseLock tries to take the session advisory lock for the case.
// ok is false when another session holds it; no connection is retained in
// that case.
func (s *Store) AcquireCaseLock(ctx context.Context, caseID int64) (lock *CaseLock, ok bool, err error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire case lock: %w", err)
	}

	var acquired bool
	if err := conn.GetContext(ctx, &acquired,
		`SELECT pg_try_advisory_lock($1)`, advisoryKey(caseID)); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("acquire case lock %d: %w", caseID, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return &CaseLock{conn: conn, caseID: caseID}, true, nil
}

// Release unlocks and returns the pinned connection to the pool. Safe to
// call with a background context after the run's context is cancelled.
func (l *CaseLock) Release(ctx context.Context) error {
	defer func() {
		_ = l.conn.Close()
	}()
	if _, err := l.conn.ExecContext(ctx,
		`SELECT pg_advisory_unlock($1)`, advisoryKey(l.caseID)); err != nil {
		return fmt.Errorf("release case lock %d: %w", l.caseID, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique violation,
// optionally on one specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// notFound converts sql.ErrNoRows into the store sentinel with context.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// statusList renders a status slice as a SQL IN-list. The sets are closed
// enums, never user input.
func statusList[T ~string](statuses []T) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = "'" + string(s) + "'"
	}
	return strings.Join(parts, ", ")
}

var (
	activeRunSet      = statusList(models.ActiveRunStatuses)
	activeProposalSet = statusList(models.ActiveProposalStatuses)
)
