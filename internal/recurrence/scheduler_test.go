package recurrence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/courier-ops/courier/internal/dispatch"
	jobmetrics "github.com/courier-ops/courier/internal/jobs"
	"github.com/courier-ops/courier/internal/platform/cache"
	"github.com/courier-ops/courier/internal/runs"
	"github.com/courier-ops/courier/internal/shared"
	"github.com/courier-ops/courier/internal/workflow"
)

type memoryRepo struct {
	mu         sync.Mutex
	recs       map[shared.RecurrenceID]Recurrence
	execs      []runs.Execution
	audits     []shared.AuditLog
	insertErr  error
	lockErrFor map[shared.RecurrenceID]error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{recs: map[shared.RecurrenceID]Recurrence{}, lockErrFor: map[shared.RecurrenceID]error{}}
}

func cloneRecurrence(r Recurrence) Recurrence {
	r.Approvers = append([]shared.UserID(nil), r.Approvers...)
	if r.MostRecentRun != nil {
		t := *r.MostRecentRun
		r.MostRecentRun = &t
	}
	return r
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{repo: m, recs: map[shared.RecurrenceID]Recurrence{}}
	for id, r := range m.recs {
		tx.recs[id] = cloneRecurrence(r)
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.recs = tx.recs
	m.execs = append(m.execs, tx.execs...)
	m.audits = append(m.audits, tx.audits...)
	return nil
}

func (m *memoryRepo) Create(_ context.Context, rec Recurrence) (Recurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = cloneRecurrence(rec)
	return rec, nil
}

func (m *memoryRepo) Get(_ context.Context, id shared.RecurrenceID) (Recurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return Recurrence{}, ErrRecurrenceNotFound
	}
	return cloneRecurrence(rec), nil
}

func (m *memoryRepo) List(_ context.Context) ([]Recurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Recurrence, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, cloneRecurrence(rec))
	}
	return out, nil
}

func (m *memoryRepo) executions() []runs.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]runs.Execution(nil), m.execs...)
}

type memoryTx struct {
	repo   *memoryRepo
	recs   map[shared.RecurrenceID]Recurrence
	execs  []runs.Execution
	audits []shared.AuditLog
}

func (t *memoryTx) LockRecurrence(_ context.Context, id shared.RecurrenceID) (Recurrence, error) {
	if err := t.repo.lockErrFor[id]; err != nil {
		return Recurrence{}, err
	}
	rec, ok := t.recs[id]
	if !ok {
		return Recurrence{}, ErrRecurrenceNotFound
	}
	return cloneRecurrence(rec), nil
}

func (t *memoryTx) InsertExecution(_ context.Context, exec runs.Execution) error {
	if t.repo.insertErr != nil {
		return t.repo.insertErr
	}
	t.execs = append(t.execs, exec)
	return nil
}

func (t *memoryTx) ResetApprovers(_ context.Context, id shared.RecurrenceID, ranAt time.Time) error {
	rec := t.recs[id]
	rec.Approvers = nil
	rec.MostRecentRun = &ranAt
	t.recs[id] = rec
	return nil
}

func (t *memoryTx) AddApprover(_ context.Context, id shared.RecurrenceID, user shared.UserID) error {
	rec := t.recs[id]
	rec.Approvers = append(rec.Approvers, user)
	t.recs[id] = rec
	return nil
}

func (t *memoryTx) InsertAuditLog(_ context.Context, log shared.AuditLog) error {
	t.audits = append(t.audits, log)
	return nil
}

// recordingStarter dispatches every step of the workflow's first frontier to a
// list of recipients instead of a transit queue.
type recordingStarter struct {
	mu         sync.Mutex
	definition workflow.Definition
	started    []runs.Execution
	recipients []shared.AgentID
	failNext   error
}

func (s *recordingStarter) Start(_ context.Context, exec runs.Execution) ([]dispatch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, exec)
	if err := s.failNext; err != nil {
		s.failNext = nil
		return nil, err
	}
	auth, err := workflow.NewAuthorization(exec.WorkflowID, s.definition)
	if err != nil {
		return nil, err
	}
	var results []dispatch.Result
	for step := range auth.GetNextSteps() {
		s.recipients = append(s.recipients, step.RunningEntity)
		results = append(results, dispatch.Result{StepID: step.ID, Recipient: step.RunningEntity, EnvelopeID: uuid.New(), Attempts: 1})
	}
	return results, nil
}

type schedulerFixture struct {
	repo      *memoryRepo
	starter   *recordingStarter
	locker    cache.Locker
	scheduler *Scheduler
	service   *Service
	now       time.Time
	a1, a2    shared.AgentID
}

func newSchedulerFixture(t *testing.T, locker cache.Locker) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		repo:   newMemoryRepo(),
		locker: locker,
		now:    time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
		a1:     shared.NewAgentID(),
		a2:     shared.NewAgentID(),
	}
	if f.locker == nil {
		f.locker = cache.NewMemoryLocker()
	}
	f.starter = &recordingStarter{definition: workflow.Definition{Steps: []workflow.Step{
		{ID: "build", PackageID: shared.NewPackageID(), RunningEntity: f.a1},
		{ID: "deploy", PackageID: shared.NewPackageID(), RunningEntity: f.a2},
	}}}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	f.scheduler = NewScheduler(f.repo, DefaultPolicy(), f.starter, f.locker, SchedulerConfig{Concurrency: 2, LockTTL: time.Minute}, metrics, nil).
		WithClock(func() time.Time { return f.now })
	f.service = NewService(f.repo, nil, nil)
	return f
}

func (f *schedulerFixture) create(t *testing.T, required int, interval time.Duration) Recurrence {
	t.Helper()
	rec, err := f.service.CreateRecurrence(context.Background(), NewRecurrence{
		WorkflowID:        shared.NewWorkflowID(),
		ApproversRequired: required,
		Interval:          interval,
	})
	require.NoError(t, err)
	return rec
}

func (f *schedulerFixture) approve(t *testing.T, id shared.RecurrenceID, user shared.UserID) Recurrence {
	t.Helper()
	rec, err := f.service.Approve(context.Background(), id, user)
	require.NoError(t, err)
	return rec
}

func TestQuorumGatesFiring(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	rec := f.create(t, 2, time.Hour)
	f.approve(t, rec.ID, shared.NewUserID())

	report, err := f.scheduler.PerformPeriodicActions(context.Background())
	require.NoError(t, err)
	require.Equal(t, TickReport{Considered: 1}, report)
	require.Empty(t, f.repo.executions())
}

func TestTwoApproverRecurrenceDispatchesToBothAgents(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	rec := f.create(t, 2, time.Hour)
	u1, u2 := shared.NewUserID(), shared.NewUserID()
	f.approve(t, rec.ID, u1)
	f.approve(t, rec.ID, u1)
	require.Len(t, f.approve(t, rec.ID, u2).Approvers, 2)

	report, err := f.scheduler.PerformPeriodicActions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Fired)
	require.Equal(t, 2, report.Dispatched)

	execs := f.repo.executions()
	require.Len(t, execs, 1)
	require.ElementsMatch(t, []shared.UserID{u1, u2}, execs[0].Approvers)
	require.Equal(t, rec.ID, *execs[0].RecurrenceID)
	require.Equal(t, f.now, execs[0].RunStarted)
	require.ElementsMatch(t, []shared.AgentID{f.a1, f.a2}, f.starter.recipients)

	after, err := f.service.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Empty(t, after.Approvers)
	require.Equal(t, f.now, *after.MostRecentRun)
}

func TestFiresOncePerQuorum(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	rec := f.create(t, 1, time.Hour)
	f.approve(t, rec.ID, shared.NewUserID())

	_, err := f.scheduler.PerformPeriodicActions(context.Background())
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	report, err := f.scheduler.PerformPeriodicActions(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Fired, "approvers were consumed by the first run")
	require.Len(t, f.repo.executions(), 1)

	f.approve(t, rec.ID, shared.NewUserID())
	report, err = f.scheduler.PerformPeriodicActions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Fired)
	require.Len(t, f.repo.executions(), 2)
}

func TestFailedSnapshotLeavesApproversIntact(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	rec := f.create(t, 1, time.Hour)
	user := shared.NewUserID()
	f.approve(t, rec.ID, user)
	f.repo.insertErr = errors.New("connection reset")

	report, err := f.scheduler.PerformPeriodicActions(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, report.Failed)
	require.Empty(t, f.repo.executions())
	require.Empty(t, f.starter.started, "nothing dispatched before commit")

	after, err := f.service.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, []shared.UserID{user}, after.Approvers)
	require.Nil(t, after.MostRecentRun)
}

func TestRetryAfterCommitDoesNotFireTwice(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	rec := f.create(t, 2, time.Hour)
	f.approve(t, rec.ID, shared.NewUserID())
	f.approve(t, rec.ID, shared.NewUserID())
	f.starter.failNext = errors.New("process killed")

	exec, _, err := f.scheduler.ProcessRecurrence(context.Background(), rec)
	require.Error(t, err)
	require.NotNil(t, exec)
	require.Len(t, f.repo.executions(), 1)

	again, results, err := f.scheduler.ProcessRecurrence(context.Background(), rec)
	require.NoError(t, err)
	require.Nil(t, again)
	require.Empty(t, results)
	require.Len(t, f.repo.executions(), 1)
	require.Len(t, f.starter.started, 1)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := cache.NewRedisLocker(client)

	f := newSchedulerFixture(t, locker)
	rec := f.create(t, 0, time.Hour)

	release, ok, err := locker.TryLock(context.Background(), cache.RecurrenceFiringKey(rec.ID.String()), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.scheduler.PerformPeriodicActions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Zero(t, report.Fired)
	require.Empty(t, f.repo.executions())

	require.NoError(t, release(context.Background()))
	report, err = f.scheduler.PerformPeriodicActions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Fired)
	require.False(t, mr.Exists(cache.RecurrenceFiringKey(rec.ID.String())), "guard released after firing")
}

func TestOneFailureDoesNotStopOthers(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	broken := f.create(t, 0, time.Hour)
	healthy := f.create(t, 0, time.Hour)
	f.repo.lockErrFor[broken.ID] = errors.New("deadlock detected")

	report, err := f.scheduler.PerformPeriodicActions(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), broken.ID.String())
	require.Equal(t, 2, report.Eligible)
	require.Equal(t, 1, report.Fired)
	require.Equal(t, 1, report.Failed)

	execs := f.repo.executions()
	require.Len(t, execs, 1)
	require.Equal(t, healthy.ID, *execs[0].RecurrenceID)
}

func TestFiringIsAudited(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	rec := f.create(t, 1, time.Hour)
	f.approve(t, rec.ID, shared.NewUserID())
	_, err := f.scheduler.PerformPeriodicActions(context.Background())
	require.NoError(t, err)

	var actions []string
	for _, log := range f.repo.audits {
		actions = append(actions, log.Action)
	}
	require.Equal(t, []string{shared.AuditRecurrenceApprove, shared.AuditRecurrenceFired}, actions)
}
