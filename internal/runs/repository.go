package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courier-ops/courier/internal/dispatch"
	"github.com/courier-ops/courier/internal/platform/db"
	"github.com/courier-ops/courier/internal/platform/retry"
	"github.com/courier-ops/courier/internal/shared"
	"github.com/courier-ops/courier/internal/workflow"
)

// InsertExecution writes the execution header. It accepts any executor so the
// recurrence snapshot can run it inside its own transaction.
func InsertExecution(ctx context.Context, q shared.Execer, exec Execution) error {
	var recurrence, invoker *string
	if exec.RecurrenceID != nil {
		s := exec.RecurrenceID.String()
		recurrence = &s
	}
	if exec.InvokedBy != nil {
		s := exec.InvokedBy.String()
		invoker = &s
	}
	approvers := make([]string, 0, len(exec.Approvers))
	for _, id := range exec.Approvers {
		approvers = append(approvers, id.String())
	}
	_, err := q.Exec(ctx, `INSERT INTO workflow_executions (id, workflow_id, recurrence_id, approvers, invoked_by, run_started)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::text[]::uuid[], $5::uuid, $6)`,
		exec.ID.String(), exec.WorkflowID.String(), recurrence, approvers, invoker, exec.RunStarted)
	return err
}

// Repository persists executions and their step progress.
type Repository struct {
	pool  *pgxpool.Pool
	retry retry.Policy
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, retry: retry.DefaultPolicy()}
}

// Create stores a new execution header.
func (r *Repository) Create(ctx context.Context, exec Execution) error {
	return InsertExecution(ctx, r.pool, exec)
}

// Get loads an execution with its progress.
func (r *Repository) Get(ctx context.Context, id shared.ExecutionID) (Execution, error) {
	return r.load(ctx, r.pool, id, false)
}

// RecordDispatched marks successfully enqueued steps as dispatched. Steps
// already completed keep their state.
func (r *Repository) RecordDispatched(ctx context.Context, id shared.ExecutionID, results []dispatch.Result) error {
	return db.WithRetryingTx(ctx, r.pool, r.retry, func(tx pgx.Tx) error {
		for _, res := range results {
			if !res.OK() {
				continue
			}
			_, err := tx.Exec(ctx, `INSERT INTO execution_steps (execution_id, step_id, status, envelope_id, updated_at)
VALUES ($1::uuid, $2, $3, $4::uuid, NOW())
ON CONFLICT (execution_id, step_id) DO UPDATE SET envelope_id = EXCLUDED.envelope_id, updated_at = NOW()
WHERE execution_steps.status <> $5`,
				id.String(), string(res.StepID), string(workflow.StepDispatched), res.EnvelopeID.String(), string(workflow.StepCompleted))
			if err != nil {
				return fmt.Errorf("record step %s: %w", res.StepID, err)
			}
		}
		return nil
	})
}

// CompleteStep marks step completed while holding the execution row lock and
// returns the resulting execution. Concurrent completions of sibling steps are
// serialised so exactly one of them observes the joined frontier; the loser of
// the row lock restarts on a fresh snapshot.
func (r *Repository) CompleteStep(ctx context.Context, id shared.ExecutionID, step shared.StepID) (Execution, error) {
	var exec Execution
	err := db.WithRetryingTx(ctx, r.pool, r.retry, func(tx pgx.Tx) error {
		loaded, err := r.load(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if _, seen := loaded.Progress[step]; !seen {
			return fmt.Errorf("%w: %s", ErrStepNotDispatched, step)
		}
		if _, err := tx.Exec(ctx, `UPDATE execution_steps SET status = $3, updated_at = NOW() WHERE execution_id = $1::uuid AND step_id = $2`,
			id.String(), string(step), string(workflow.StepCompleted)); err != nil {
			return err
		}
		loaded.Progress[step] = workflow.StepCompleted
		exec = loaded
		return nil
	})
	return exec, err
}

// ListStartedSince returns executions started at or after since, oldest first.
func (r *Repository) ListStartedSince(ctx context.Context, since time.Time) ([]Execution, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE run_started >= $1 ORDER BY run_started`, since)
	if err != nil {
		return nil, err
	}
	var execs []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		execs = append(execs, exec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range execs {
		if execs[i].Progress, err = loadProgress(ctx, r.pool, execs[i].ID); err != nil {
			return nil, err
		}
	}
	return execs, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const executionColumns = `id::text, workflow_id::text, recurrence_id::text, approvers::text[], invoked_by::text, run_started`

func (r *Repository) load(ctx context.Context, q querier, id shared.ExecutionID, lock bool) (Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1::uuid`
	if lock {
		query += ` FOR UPDATE`
	}
	exec, err := scanExecution(q.QueryRow(ctx, query, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return Execution{}, ErrExecutionNotFound
	}
	if err != nil {
		return Execution{}, err
	}
	if exec.Progress, err = loadProgress(ctx, q, id); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

func loadProgress(ctx context.Context, q querier, id shared.ExecutionID) (workflow.Progress, error) {
	rows, err := q.Query(ctx, `SELECT step_id, status FROM execution_steps WHERE execution_id = $1::uuid`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	progress := workflow.Progress{}
	for rows.Next() {
		var step, status string
		if err := rows.Scan(&step, &status); err != nil {
			return nil, err
		}
		progress[shared.StepID(step)] = workflow.StepState(status)
	}
	return progress, rows.Err()
}

func scanExecution(row pgx.Row) (Execution, error) {
	var (
		id, wf              string
		recurrence, invoker *string
		approvers           []string
		exec                Execution
	)
	if err := row.Scan(&id, &wf, &recurrence, &approvers, &invoker, &exec.RunStarted); err != nil {
		return Execution{}, err
	}
	var err error
	if exec.ID, err = shared.ParseExecutionID(id); err != nil {
		return Execution{}, fmt.Errorf("runs: execution id: %w", err)
	}
	if exec.WorkflowID, err = shared.ParseWorkflowID(wf); err != nil {
		return Execution{}, fmt.Errorf("runs: workflow id: %w", err)
	}
	if recurrence != nil {
		rid, err := shared.ParseRecurrenceID(*recurrence)
		if err != nil {
			return Execution{}, fmt.Errorf("runs: recurrence id: %w", err)
		}
		exec.RecurrenceID = &rid
	}
	if invoker != nil {
		uid, err := shared.ParseUserID(*invoker)
		if err != nil {
			return Execution{}, fmt.Errorf("runs: invoker id: %w", err)
		}
		exec.InvokedBy = &uid
	}
	for _, raw := range approvers {
		uid, err := shared.ParseUserID(raw)
		if err != nil {
			return Execution{}, fmt.Errorf("runs: approver id: %w", err)
		}
		exec.Approvers = append(exec.Approvers, uid)
	}
	return exec, nil
}
