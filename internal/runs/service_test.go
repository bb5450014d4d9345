package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/courier-ops/courier/internal/access"
	"github.com/courier-ops/courier/internal/dispatch"
	"github.com/courier-ops/courier/internal/shared"
	"github.com/courier-ops/courier/internal/workflow"
)

type memoryRepo struct {
	mu    sync.Mutex
	execs map[shared.ExecutionID]Execution
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{execs: map[shared.ExecutionID]Execution{}}
}

func (m *memoryRepo) Create(_ context.Context, exec Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec.Progress = workflow.Progress{}
	m.execs[exec.ID] = exec
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id shared.ExecutionID) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	exec.Progress = exec.Progress.Clone()
	return exec, nil
}

func (m *memoryRepo) RecordDispatched(_ context.Context, id shared.ExecutionID, results []dispatch.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec := m.execs[id]
	for _, res := range results {
		if res.OK() && exec.Progress[res.StepID] != workflow.StepCompleted {
			exec.Progress[res.StepID] = workflow.StepDispatched
		}
	}
	m.execs[id] = exec
	return nil
}

func (m *memoryRepo) CompleteStep(_ context.Context, id shared.ExecutionID, step shared.StepID) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	if _, seen := exec.Progress[step]; !seen {
		return Execution{}, ErrStepNotDispatched
	}
	exec.Progress[step] = workflow.StepCompleted
	m.execs[id] = exec
	exec.Progress = exec.Progress.Clone()
	return exec, nil
}

func (m *memoryRepo) ListStartedSince(_ context.Context, since time.Time) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Execution
	for _, exec := range m.execs {
		if !exec.RunStarted.Before(since) {
			exec.Progress = exec.Progress.Clone()
			out = append(out, exec)
		}
	}
	return out, nil
}

type memoryWorkflows map[shared.WorkflowID]workflow.Definition

func (m memoryWorkflows) Authorization(_ context.Context, id shared.WorkflowID) (*workflow.Authorization, error) {
	def, ok := m[id]
	if !ok {
		return nil, workflow.ErrWorkflowNotFound
	}
	return workflow.NewAuthorization(id, def)
}

type ruleSet map[access.AccessRule]bool

func (r ruleSet) Authorize(_ context.Context, user shared.UserID, pkgs ...shared.PackageID) error {
	for _, pkg := range pkgs {
		if !r[access.AccessRule{PackageID: pkg, UserID: user}] {
			return fmt.Errorf("%w: %s", access.ErrUnauthorized, pkg)
		}
	}
	return nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []shared.StepID
	failing map[shared.AgentID]bool
}

func (f *fakeDispatcher) DispatchAll(_ context.Context, _ shared.ExecutionID, _ shared.WorkflowID, steps []workflow.Step) []dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.Result, 0, len(steps))
	for _, step := range steps {
		res := dispatch.Result{StepID: step.ID, Recipient: step.RunningEntity, EnvelopeID: uuid.New(), Attempts: 1}
		if f.failing[step.RunningEntity] {
			res.Err = errors.New("transit unavailable")
		} else {
			f.sent = append(f.sent, step.ID)
		}
		out = append(out, res)
	}
	return out
}

func (f *fakeDispatcher) sentSteps() []shared.StepID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shared.StepID(nil), f.sent...)
}

type fixture struct {
	svc        *Service
	repo       *memoryRepo
	dispatcher *fakeDispatcher
	rules      ruleSet
	workflowID shared.WorkflowID
	steps      map[shared.StepID]workflow.Step
	now        time.Time
}

func newFixture(t *testing.T, steps ...workflow.Step) *fixture {
	t.Helper()
	f := &fixture{
		repo:       newMemoryRepo(),
		dispatcher: &fakeDispatcher{failing: map[shared.AgentID]bool{}},
		rules:      ruleSet{},
		workflowID: shared.NewWorkflowID(),
		steps:      map[shared.StepID]workflow.Step{},
		now:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	for _, s := range steps {
		f.steps[s.ID] = s
	}
	wfs := memoryWorkflows{f.workflowID: {Steps: steps}}
	f.svc = NewService(f.repo, wfs, f.rules, f.dispatcher, nil, nil).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) allow(user shared.UserID) {
	for _, s := range f.steps {
		f.rules[access.AccessRule{PackageID: s.PackageID, UserID: user}] = true
	}
}

func newStep(id string, deps ...shared.StepID) workflow.Step {
	return workflow.Step{ID: shared.StepID(id), PackageID: shared.NewPackageID(), RunningEntity: shared.NewAgentID(), DependsOn: deps}
}

func TestInvokeRejectsUnauthorizedUser(t *testing.T) {
	f := newFixture(t, newStep("a"), newStep("b"))
	user := shared.NewUserID()
	f.rules[access.AccessRule{PackageID: f.steps["a"].PackageID, UserID: user}] = true

	_, _, err := f.svc.Invoke(context.Background(), f.workflowID, user)
	require.ErrorIs(t, err, access.ErrUnauthorized)
	require.Empty(t, f.repo.execs)
	require.Empty(t, f.dispatcher.sentSteps())
}

func TestInvokeDispatchesFirstFrontier(t *testing.T) {
	f := newFixture(t, newStep("a"), newStep("b", "a"))
	user := shared.NewUserID()
	f.allow(user)

	exec, results, err := f.svc.Invoke(context.Background(), f.workflowID, user)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, workflow.Progress{"a": workflow.StepDispatched}, exec.Progress)
	require.Equal(t, user, *exec.InvokedBy)
	require.Equal(t, []shared.StepID{"a"}, f.dispatcher.sentSteps())

	stored, err := f.svc.repo.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepDispatched, stored.Progress["a"])
}

func TestCompleteStepUnlocksSuccessors(t *testing.T) {
	f := newFixture(t, newStep("root"), newStep("left", "root"), newStep("right", "root"), newStep("join", "left", "right"))
	user := shared.NewUserID()
	f.allow(user)
	ctx := context.Background()

	exec, _, err := f.svc.Invoke(ctx, f.workflowID, user)
	require.NoError(t, err)

	_, results, err := f.svc.CompleteStep(ctx, exec.ID, "root")
	require.NoError(t, err)
	require.Len(t, results, 2)

	_, results, err = f.svc.CompleteStep(ctx, exec.ID, "left")
	require.NoError(t, err)
	require.Empty(t, results)

	done, results, err := f.svc.CompleteStep(ctx, exec.ID, "right")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, shared.StepID("join"), results[0].StepID)
	require.Equal(t, workflow.StepDispatched, done.Progress["join"])
	require.Equal(t, []shared.StepID{"root", "left", "right", "join"}, f.dispatcher.sentSteps())
}

func TestCompleteStepValidation(t *testing.T) {
	f := newFixture(t, newStep("a"), newStep("b", "a"))
	user := shared.NewUserID()
	f.allow(user)
	ctx := context.Background()
	exec, _, err := f.svc.Invoke(ctx, f.workflowID, user)
	require.NoError(t, err)

	_, _, err = f.svc.CompleteStep(ctx, exec.ID, "nope")
	require.ErrorIs(t, err, workflow.ErrUnknownStep)
	_, _, err = f.svc.CompleteStep(ctx, exec.ID, "b")
	require.ErrorIs(t, err, ErrStepNotDispatched)
	_, _, err = f.svc.CompleteStep(ctx, shared.NewExecutionID(), "a")
	require.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestResumePendingRetriesFailedDispatch(t *testing.T) {
	flaky := newStep("flaky")
	f := newFixture(t, newStep("ok"), flaky)
	user := shared.NewUserID()
	f.allow(user)
	f.dispatcher.failing[flaky.RunningEntity] = true
	ctx := context.Background()

	exec, results, err := f.svc.Invoke(ctx, f.workflowID, user)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Error(t, results[1].Err)
	require.NotContains(t, exec.Progress, shared.StepID("flaky"))

	f.dispatcher.failing[flaky.RunningEntity] = false
	f.now = f.now.Add(5 * time.Minute)
	report, err := f.svc.ResumePending(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, ResumeReport{Scanned: 1, Advanced: 1, Dispatched: 1}, report)

	stored, err := f.repo.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepDispatched, stored.Progress["flaky"])

	report, err = f.svc.ResumePending(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, ResumeReport{Scanned: 1}, report, "nothing left to send")
}

func TestResumePendingHonoursWindow(t *testing.T) {
	flaky := newStep("flaky")
	f := newFixture(t, flaky)
	user := shared.NewUserID()
	f.allow(user)
	f.dispatcher.failing[flaky.RunningEntity] = true
	ctx := context.Background()
	_, _, err := f.svc.Invoke(ctx, f.workflowID, user)
	require.NoError(t, err)

	f.dispatcher.failing[flaky.RunningEntity] = false
	f.now = f.now.Add(48 * time.Hour)
	report, err := f.svc.ResumePending(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, report.Scanned)
	require.Empty(t, f.dispatcher.sentSteps())
}

func TestStartUsesCommittedExecution(t *testing.T) {
	f := newFixture(t, newStep("a"), newStep("b"))
	rid := shared.NewRecurrenceID()
	exec := Execution{ID: shared.NewExecutionID(), WorkflowID: f.workflowID, RecurrenceID: &rid, RunStarted: f.now}
	require.NoError(t, f.repo.Create(context.Background(), exec))

	results, err := f.svc.Start(context.Background(), exec)
	require.NoError(t, err)
	require.Len(t, results, 2)
	outcomes := Outcomes(results)
	require.Equal(t, shared.StepID("a"), outcomes[0].StepID)
	require.NotEmpty(t, outcomes[0].EnvelopeID)
}
