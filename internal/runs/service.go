package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/courier-ops/courier/internal/dispatch"
	"github.com/courier-ops/courier/internal/platform/db"
	"github.com/courier-ops/courier/internal/platform/retry"
	"github.com/courier-ops/courier/internal/shared"
	"github.com/courier-ops/courier/internal/workflow"
)

// RepositoryPort abstracts execution storage.
type RepositoryPort interface {
	Create(ctx context.Context, exec Execution) error
	Get(ctx context.Context, id shared.ExecutionID) (Execution, error)
	RecordDispatched(ctx context.Context, id shared.ExecutionID, results []dispatch.Result) error
	CompleteStep(ctx context.Context, id shared.ExecutionID, step shared.StepID) (Execution, error)
	ListStartedSince(ctx context.Context, since time.Time) ([]Execution, error)
}

// WorkflowPort loads validated workflow graphs.
type WorkflowPort interface {
	Authorization(ctx context.Context, id shared.WorkflowID) (*workflow.Authorization, error)
}

// AuthorizerPort is the access ledger check performed before any dispatch.
type AuthorizerPort interface {
	Authorize(ctx context.Context, userID shared.UserID, packageIDs ...shared.PackageID) error
}

// DispatcherPort sends a frontier to the transit queue.
type DispatcherPort interface {
	DispatchAll(ctx context.Context, executionID shared.ExecutionID, workflowID shared.WorkflowID, steps []workflow.Step) []dispatch.Result
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives executions through their authorization graph.
type Service struct {
	repo       RepositoryPort
	workflows  WorkflowPort
	access     AuthorizerPort
	dispatcher DispatcherPort
	audit      AuditPort
	retry      retry.Policy
	logger     *slog.Logger
	now        func() time.Time
}

// NewService builds Service. audit and logger may be nil.
func NewService(repo RepositoryPort, workflows WorkflowPort, access AuthorizerPort, dispatcher DispatcherPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		workflows:  workflows,
		access:     access,
		dispatcher: dispatcher,
		audit:      audit,
		retry:      retry.DefaultPolicy(),
		logger:     logger.With(slog.String("component", "runs")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Invoke starts an on-demand execution on behalf of userID. The user must
// hold an access rule for every package in the workflow; otherwise nothing is
// persisted or dispatched.
func (s *Service) Invoke(ctx context.Context, workflowID shared.WorkflowID, userID shared.UserID) (Execution, []dispatch.Result, error) {
	auth, err := s.workflows.Authorization(ctx, workflowID)
	if err != nil {
		return Execution{}, nil, fmt.Errorf("runs: invoke: %w", err)
	}
	if err := s.access.Authorize(ctx, userID, auth.Packages()...); err != nil {
		return Execution{}, nil, fmt.Errorf("runs: invoke: %w", err)
	}
	invoker := userID
	exec := Execution{
		ID:         shared.NewExecutionID(),
		WorkflowID: workflowID,
		InvokedBy:  &invoker,
		RunStarted: s.now(),
		Progress:   workflow.Progress{},
	}
	if err := s.repo.Create(ctx, exec); err != nil {
		return Execution{}, nil, fmt.Errorf("runs: invoke: %w", err)
	}
	s.record(ctx, shared.AuditLog{ActorID: userID, Action: shared.AuditWorkflowInvoked, Entity: "workflow_execution", EntityID: exec.ID.String(),
		Meta: map[string]any{"workflow_id": workflowID.String()}})

	results, err := s.advance(ctx, &exec, auth)
	return exec, results, err
}

// Start dispatches the first frontier of an execution that was already
// committed, such as a fired recurrence.
func (s *Service) Start(ctx context.Context, exec Execution) ([]dispatch.Result, error) {
	auth, err := s.workflows.Authorization(ctx, exec.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("runs: start %s: %w", exec.ID, err)
	}
	if exec.Progress == nil {
		exec.Progress = workflow.Progress{}
	}
	return s.advance(ctx, &exec, auth)
}

// Get loads one execution with its progress.
func (s *Service) Get(ctx context.Context, id shared.ExecutionID) (Execution, error) {
	return s.repo.Get(ctx, id)
}

// CompleteStep records the agent's completion report for step and dispatches
// whatever the graph unlocks.
func (s *Service) CompleteStep(ctx context.Context, executionID shared.ExecutionID, step shared.StepID) (Execution, []dispatch.Result, error) {
	current, err := s.repo.Get(ctx, executionID)
	if err != nil {
		return Execution{}, nil, fmt.Errorf("runs: complete step: %w", err)
	}
	auth, err := s.workflows.Authorization(ctx, current.WorkflowID)
	if err != nil {
		return Execution{}, nil, fmt.Errorf("runs: complete step: %w", err)
	}
	if _, ok := auth.Step(step); !ok {
		return Execution{}, nil, fmt.Errorf("runs: complete step: %w: %s", workflow.ErrUnknownStep, step)
	}
	exec, err := retry.Do(ctx, s.retry, db.IsConflict, func() (Execution, error) {
		return s.repo.CompleteStep(ctx, executionID, step)
	})
	if err != nil {
		return Execution{}, nil, fmt.Errorf("runs: complete step: %w", err)
	}
	results, err := s.advance(ctx, &exec, auth)
	return exec, results, err
}

// ResumePending re-dispatches the frontier of every unfinished execution
// started within the window. Steps whose earlier dispatch failed are retried
// with a fresh envelope.
func (s *Service) ResumePending(ctx context.Context, window time.Duration) (ResumeReport, error) {
	var report ResumeReport
	execs, err := s.repo.ListStartedSince(ctx, s.now().Add(-window))
	if err != nil {
		return report, fmt.Errorf("runs: resume pending: %w", err)
	}
	var errs []error
	for i := range execs {
		exec := execs[i]
		report.Scanned++
		auth, err := s.workflows.Authorization(ctx, exec.WorkflowID)
		if err != nil {
			errs = append(errs, fmt.Errorf("execution %s: %w", exec.ID, err))
			continue
		}
		results, err := s.advance(ctx, &exec, auth)
		if err != nil {
			errs = append(errs, fmt.Errorf("execution %s: %w", exec.ID, err))
		}
		if len(results) > 0 {
			report.Advanced++
		}
		for _, res := range results {
			if res.OK() {
				report.Dispatched++
			} else {
				report.Failed++
			}
		}
	}
	if len(errs) > 0 {
		return report, fmt.Errorf("runs: resume pending: %w", errors.Join(errs...))
	}
	return report, nil
}

// advance dispatches the current frontier and persists the steps that reached
// the transit queue. exec.Progress is updated in place.
func (s *Service) advance(ctx context.Context, exec *Execution, auth *workflow.Authorization) ([]dispatch.Result, error) {
	graph, err := auth.WithProgress(exec.Progress)
	if err != nil {
		return nil, err
	}
	frontier := graph.NextSteps()
	if len(frontier) == 0 {
		return nil, nil
	}
	results := s.dispatcher.DispatchAll(ctx, exec.ID, exec.WorkflowID, frontier)
	for _, res := range results {
		if !res.OK() {
			s.logger.Warn("step not dispatched", slog.String("execution_id", exec.ID.String()),
				slog.String("step_id", string(res.StepID)), slog.Any("error", res.Err))
			continue
		}
		if err := graph.MarkDispatched(res.StepID); err != nil {
			return results, err
		}
	}
	exec.Progress = graph.Progress()
	if err := s.repo.RecordDispatched(ctx, exec.ID, results); err != nil {
		return results, fmt.Errorf("record dispatched steps for %s: %w", exec.ID, err)
	}
	return results, nil
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", log.Action), slog.Any("error", err))
	}
}

// Outcomes flattens dispatch results for callers that report them.
func Outcomes(results []dispatch.Result) []StepOutcome {
	out := make([]StepOutcome, 0, len(results))
	for _, res := range results {
		o := StepOutcome{StepID: res.StepID, Recipient: res.Recipient.String()}
		if res.OK() {
			o.EnvelopeID = res.EnvelopeID.String()
		} else {
			o.Error = res.Err.Error()
		}
		out = append(out, o)
	}
	return out
}
