package recurrence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courier-ops/courier/internal/platform/db"
	"github.com/courier-ops/courier/internal/runs"
	"github.com/courier-ops/courier/internal/shared"
)

// TxRepository exposes the operations of the snapshot-and-reset transaction.
type TxRepository interface {
	LockRecurrence(ctx context.Context, id shared.RecurrenceID) (Recurrence, error)
	InsertExecution(ctx context.Context, exec runs.Execution) error
	ResetApprovers(ctx context.Context, id shared.RecurrenceID, ranAt time.Time) error
	AddApprover(ctx context.Context, id shared.RecurrenceID, user shared.UserID) error
	InsertAuditLog(ctx context.Context, log shared.AuditLog) error
}

type conn interface {
	db.Beginner
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Every transaction here starts with LockRecurrence. At ReadCommitted the
// reads after that lock see approvals committed while it was waiting.
var lockedTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// Repository persists recurrences and their approvers.
type Repository struct {
	pool conn
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a read-committed transaction. The
// callback must take LockRecurrence before reading anything else.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, lockedTxOptions, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// Create stores a new recurrence with no approvers.
func (r *Repository) Create(ctx context.Context, rec Recurrence) (Recurrence, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO recurrences (id, workflow_id, approvers_required, interval_seconds, cron_spec)
VALUES ($1::uuid, $2::uuid, $3, $4, $5) RETURNING created_at`,
		rec.ID.String(), rec.WorkflowID.String(), rec.NumberOfApproversRequired, int64(rec.Interval/time.Second), rec.Cron).
		Scan(&rec.CreatedAt)
	if err != nil {
		return Recurrence{}, err
	}
	return rec, nil
}

// Get loads one recurrence with its approvers.
func (r *Repository) Get(ctx context.Context, id shared.RecurrenceID) (Recurrence, error) {
	row := r.pool.QueryRow(ctx, listQuery+` WHERE r.id = $1::uuid GROUP BY r.id`, id.String())
	rec, err := scanRecurrence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recurrence{}, ErrRecurrenceNotFound
	}
	return rec, err
}

// List returns every recurrence with its approvers.
func (r *Repository) List(ctx context.Context) ([]Recurrence, error) {
	rows, err := r.pool.Query(ctx, listQuery+` GROUP BY r.id ORDER BY r.created_at, r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recurrence
	for rows.Next() {
		rec, err := scanRecurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const listQuery = `SELECT r.id::text, r.workflow_id::text, r.approvers_required, r.interval_seconds, r.cron_spec, r.most_recent_run, r.created_at,
    COALESCE(array_agg(a.user_id::text ORDER BY a.approved_at, a.user_id) FILTER (WHERE a.user_id IS NOT NULL), '{}')
FROM recurrences r
LEFT JOIN recurrence_approvers a ON a.recurrence_id = r.id`

type txRepo struct {
	tx pgx.Tx
}

// LockRecurrence reads the recurrence under a row lock that lasts until commit.
func (t *txRepo) LockRecurrence(ctx context.Context, id shared.RecurrenceID) (Recurrence, error) {
	row := t.tx.QueryRow(ctx, `SELECT id::text, workflow_id::text, approvers_required, interval_seconds, cron_spec, most_recent_run, created_at, '{}'::text[]
FROM recurrences WHERE id = $1::uuid FOR UPDATE`, id.String())
	rec, err := scanRecurrence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recurrence{}, ErrRecurrenceNotFound
	}
	if err != nil {
		return Recurrence{}, err
	}
	rows, err := t.tx.Query(ctx, `SELECT user_id::text FROM recurrence_approvers WHERE recurrence_id = $1::uuid ORDER BY approved_at, user_id`, id.String())
	if err != nil {
		return Recurrence{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Recurrence{}, err
		}
		user, err := shared.ParseUserID(raw)
		if err != nil {
			return Recurrence{}, fmt.Errorf("recurrence: approver id: %w", err)
		}
		rec.Approvers = append(rec.Approvers, user)
	}
	return rec, rows.Err()
}

func (t *txRepo) InsertExecution(ctx context.Context, exec runs.Execution) error {
	return runs.InsertExecution(ctx, t.tx, exec)
}

func (t *txRepo) ResetApprovers(ctx context.Context, id shared.RecurrenceID, ranAt time.Time) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM recurrence_approvers WHERE recurrence_id = $1::uuid`, id.String()); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `UPDATE recurrences SET most_recent_run = $2 WHERE id = $1::uuid`, id.String(), ranAt)
	return err
}

func (t *txRepo) AddApprover(ctx context.Context, id shared.RecurrenceID, user shared.UserID) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO recurrence_approvers (recurrence_id, user_id) VALUES ($1::uuid, $2::uuid) ON CONFLICT DO NOTHING`,
		id.String(), user.String())
	return err
}

func (t *txRepo) InsertAuditLog(ctx context.Context, log shared.AuditLog) error {
	return shared.RecordAudit(ctx, t.tx, log)
}

func scanRecurrence(row pgx.Row) (Recurrence, error) {
	var (
		id, wf    string
		seconds   int64
		approvers []string
		rec       Recurrence
	)
	if err := row.Scan(&id, &wf, &rec.NumberOfApproversRequired, &seconds, &rec.Cron, &rec.MostRecentRun, &rec.CreatedAt, &approvers); err != nil {
		return Recurrence{}, err
	}
	var err error
	if rec.ID, err = shared.ParseRecurrenceID(id); err != nil {
		return Recurrence{}, fmt.Errorf("recurrence: id: %w", err)
	}
	if rec.WorkflowID, err = shared.ParseWorkflowID(wf); err != nil {
		return Recurrence{}, fmt.Errorf("recurrence: workflow id: %w", err)
	}
	rec.Interval = time.Duration(seconds) * time.Second
	for _, raw := range approvers {
		user, err := shared.ParseUserID(raw)
		if err != nil {
			return Recurrence{}, fmt.Errorf("recurrence: approver id: %w", err)
		}
		rec.Approvers = append(rec.Approvers, user)
	}
	return rec, nil
}
