package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/courier-ops/courier/internal/dispatch"
	jobmetrics "github.com/courier-ops/courier/internal/jobs"
	"github.com/courier-ops/courier/internal/platform/cache"
	"github.com/courier-ops/courier/internal/runs"
	"github.com/courier-ops/courier/internal/shared"
)

// Starter dispatches the first frontier of a committed execution.
type Starter interface {
	Start(ctx context.Context, exec runs.Execution) ([]dispatch.Result, error)
}

// SchedulerConfig tunes a tick.
type SchedulerConfig struct {
	Concurrency int
	LockTTL     time.Duration
}

// Scheduler fires due, approved recurrences.
type Scheduler struct {
	repo    RepositoryPort
	policy  DuePolicy
	starter Starter
	locker  cache.Locker
	cfg     SchedulerConfig
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler wires a scheduler. policy defaults to DefaultPolicy and locker
// to an in-process locker.
func NewScheduler(repo RepositoryPort, policy DuePolicy, starter Starter, locker cache.Locker, cfg SchedulerConfig, metrics *jobmetrics.Metrics, logger *slog.Logger) *Scheduler {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if locker == nil {
		locker = cache.NewMemoryLocker()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repo:    repo,
		policy:  policy,
		starter: starter,
		locker:  locker,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "scheduler")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the scheduler clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// PerformPeriodicActions fires every recurrence that has quorum and is due.
// Recurrences are processed concurrently up to the configured limit; one
// failure never stops the others and all failures are returned joined.
func (s *Scheduler) PerformPeriodicActions(ctx context.Context) (TickReport, error) {
	var report TickReport
	all, err := s.repo.List(ctx)
	if err != nil {
		return report, fmt.Errorf("recurrence: tick: %w", err)
	}
	now := s.now()
	report.Considered = len(all)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, rec := range all {
		if !rec.HasQuorum() || !s.policy.ShouldBeRun(rec, now) {
			continue
		}
		report.Eligible++
		g.Go(func() error {
			fired, skipped, results, err := s.fire(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				errs = append(errs, fmt.Errorf("recurrence %s: %w", rec.ID, err))
			case skipped:
				report.Skipped++
			case fired:
				report.Fired++
			}
			for _, res := range results {
				if res.OK() {
					report.Dispatched++
				} else {
					report.StepsFailed++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.AddRecurrences(jobmetrics.RecurrenceFired, report.Fired)
	s.metrics.AddRecurrences(jobmetrics.RecurrenceSkipped, report.Skipped)
	s.metrics.AddRecurrences(jobmetrics.RecurrenceFailed, report.Failed)
	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}

func (s *Scheduler) fire(ctx context.Context, rec Recurrence) (fired, skipped bool, results []dispatch.Result, err error) {
	release, ok, err := s.locker.TryLock(ctx, cache.RecurrenceFiringKey(rec.ID.String()), s.cfg.LockTTL)
	if err != nil {
		return false, false, nil, fmt.Errorf("acquire firing guard: %w", err)
	}
	if !ok {
		s.logger.Info("recurrence already firing", slog.String("recurrence_id", rec.ID.String()))
		return false, true, nil, nil
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("release firing guard", slog.String("recurrence_id", rec.ID.String()), slog.Any("error", rerr))
		}
	}()

	exec, results, err := s.ProcessRecurrence(ctx, rec)
	return exec != nil, false, results, err
}

// ProcessRecurrence snapshots the approvers into a new execution and resets
// them in one transaction, then dispatches the execution's first frontier.
// Quorum and due are re-checked under the row lock, so a retry after a commit
// that was followed by a crash finds nothing to do. It returns a nil execution
// when the recurrence no longer qualifies.
func (s *Scheduler) ProcessRecurrence(ctx context.Context, rec Recurrence) (*runs.Execution, []dispatch.Result, error) {
	var exec *runs.Execution
	now := s.now()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockRecurrence(ctx, rec.ID)
		if err != nil {
			return err
		}
		if !locked.HasQuorum() || !s.policy.ShouldBeRun(locked, now) {
			return nil
		}
		rid := locked.ID
		snapshot := runs.Execution{
			ID:           shared.NewExecutionID(),
			WorkflowID:   locked.WorkflowID,
			RecurrenceID: &rid,
			Approvers:    append([]shared.UserID(nil), locked.Approvers...),
			RunStarted:   now,
		}
		if err := tx.InsertExecution(ctx, snapshot); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if err := tx.ResetApprovers(ctx, locked.ID, now); err != nil {
			return fmt.Errorf("reset approvers: %w", err)
		}
		if err := tx.InsertAuditLog(ctx, shared.AuditLog{
			Action:   shared.AuditRecurrenceFired,
			Entity:   "recurrence",
			EntityID: locked.ID.String(),
			Meta:     map[string]any{"execution_id": snapshot.ID.String(), "approvers": len(snapshot.Approvers)},
			At:       now,
		}); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		exec = &snapshot
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("recurrence: process %s: %w", rec.ID, err)
	}
	if exec == nil {
		return nil, nil, nil
	}
	s.logger.Info("recurrence fired", slog.String("recurrence_id", rec.ID.String()), slog.String("execution_id", exec.ID.String()),
		slog.Int("approvers", len(exec.Approvers)))

	results, err := s.starter.Start(ctx, *exec)
	if err != nil {
		return exec, results, fmt.Errorf("recurrence: start %s: %w", exec.ID, err)
	}
	return exec, results, nil
}
