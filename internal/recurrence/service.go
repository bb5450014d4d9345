package recurrence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/courier-ops/courier/internal/platform/db"
	"github.com/courier-ops/courier/internal/platform/retry"
	"github.com/courier-ops/courier/internal/shared"
)

// RepositoryPort abstracts recurrence storage.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Create(ctx context.Context, rec Recurrence) (Recurrence, error)
	Get(ctx context.Context, id shared.RecurrenceID) (Recurrence, error)
	List(ctx context.Context) ([]Recurrence, error)
}

// WorkflowChecker confirms a workflow exists and validates before it is scheduled.
type WorkflowChecker interface {
	Exists(ctx context.Context, id shared.WorkflowID) error
}

// Service manages recurrence definitions and approvals.
type Service struct {
	repo      RepositoryPort
	workflows WorkflowChecker
	policy    SchedulePolicy
	retry     retry.Policy
	logger    *slog.Logger
}

// NewService builds Service. workflows may be nil when callers validate upstream.
func NewService(repo RepositoryPort, workflows WorkflowChecker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		workflows: workflows,
		policy:    DefaultPolicy(),
		retry:     retry.DefaultPolicy(),
		logger:    logger.With(slog.String("component", "recurrence")),
	}
}

// CreateRecurrence schedules a workflow. Exactly one of Interval and Cron must be set.
func (s *Service) CreateRecurrence(ctx context.Context, in NewRecurrence) (Recurrence, error) {
	if in.ApproversRequired < 0 {
		return Recurrence{}, ErrInvalidQuorum
	}
	if err := s.policy.Validate(in.Interval, in.Cron); err != nil {
		return Recurrence{}, err
	}
	if in.Interval%time.Second != 0 {
		return Recurrence{}, fmt.Errorf("%w: interval must be whole seconds", ErrInvalidSchedule)
	}
	if s.workflows != nil {
		if err := s.workflows.Exists(ctx, in.WorkflowID); err != nil {
			return Recurrence{}, fmt.Errorf("recurrence: create: %w", err)
		}
	}
	rec, err := s.repo.Create(ctx, Recurrence{
		ID:                        shared.NewRecurrenceID(),
		WorkflowID:                in.WorkflowID,
		NumberOfApproversRequired: in.ApproversRequired,
		Interval:                  in.Interval,
		Cron:                      in.Cron,
	})
	if err != nil {
		return Recurrence{}, fmt.Errorf("recurrence: create: %w", err)
	}
	return rec, nil
}

// Approve adds userID to the approver set of the next run. Approving twice is
// a no-op. The recurrence row is locked so an approval never interleaves with
// a firing snapshot.
func (s *Service) Approve(ctx context.Context, id shared.RecurrenceID, userID shared.UserID) (Recurrence, error) {
	rec, err := retry.Do(ctx, s.retry, db.IsConflict, func() (Recurrence, error) {
		var out Recurrence
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.LockRecurrence(ctx, id)
			if err != nil {
				return err
			}
			if current.HasApprover(userID) {
				out = current
				return nil
			}
			if err := tx.AddApprover(ctx, id, userID); err != nil {
				return err
			}
			current.Approvers = append(current.Approvers, userID)
			out = current
			return tx.InsertAuditLog(ctx, shared.AuditLog{
				ActorID:  userID,
				Action:   shared.AuditRecurrenceApprove,
				Entity:   "recurrence",
				EntityID: id.String(),
				Meta:     map[string]any{"approvers": len(current.Approvers), "required": current.NumberOfApproversRequired},
			})
		})
		return out, err
	})
	if err != nil {
		return Recurrence{}, fmt.Errorf("recurrence: approve: %w", err)
	}
	s.logger.Info("recurrence approved", slog.String("recurrence_id", id.String()), slog.String("user_id", userID.String()),
		slog.Bool("quorum", rec.HasQuorum()))
	return rec, nil
}

// Get loads one recurrence.
func (s *Service) Get(ctx context.Context, id shared.RecurrenceID) (Recurrence, error) {
	return s.repo.Get(ctx, id)
}

// List returns every recurrence.
func (s *Service) List(ctx context.Context) ([]Recurrence, error) {
	return s.repo.List(ctx)
}

// StateAt reports how the scheduler would see rec at now.
func (s *Service) StateAt(rec Recurrence, now time.Time) State {
	return rec.State(now, s.policy, false)
}
