package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courier-ops/courier/internal/shared"
)

// Repository stores workflow definitions as JSONB.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create validates and stores a workflow.
func (r *Repository) Create(ctx context.Context, name string, def Definition) (Workflow, error) {
	id := shared.NewWorkflowID()
	if _, err := NewAuthorization(id, def); err != nil {
		return Workflow{}, err
	}
	payload, err := json.Marshal(def)
	if err != nil {
		return Workflow{}, fmt.Errorf("workflow: encode definition: %w", err)
	}
	wf := Workflow{ID: id, Name: name, Definition: def}
	err = r.pool.QueryRow(ctx, `INSERT INTO workflows (id, name, definition) VALUES ($1::uuid, $2, $3) RETURNING created_at`,
		id.String(), name, payload).Scan(&wf.CreatedAt)
	if err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// Get loads one workflow.
func (r *Repository) Get(ctx context.Context, id shared.WorkflowID) (Workflow, error) {
	var (
		wf      = Workflow{ID: id}
		payload []byte
	)
	err := r.pool.QueryRow(ctx, `SELECT name, definition, created_at FROM workflows WHERE id = $1::uuid`, id.String()).
		Scan(&wf.Name, &payload, &wf.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Workflow{}, ErrWorkflowNotFound
	}
	if err != nil {
		return Workflow{}, err
	}
	if err := json.Unmarshal(payload, &wf.Definition); err != nil {
		return Workflow{}, fmt.Errorf("workflow: decode definition %s: %w", id, err)
	}
	return wf, nil
}

// Authorization loads a workflow and returns its validated graph.
func (r *Repository) Authorization(ctx context.Context, id shared.WorkflowID) (*Authorization, error) {
	wf, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewAuthorization(wf.ID, wf.Definition)
}

// Exists reports ErrWorkflowNotFound or a validation error for id.
func (r *Repository) Exists(ctx context.Context, id shared.WorkflowID) error {
	_, err := r.Authorization(ctx, id)
	return err
}
