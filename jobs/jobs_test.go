package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/courier-ops/courier/internal/jobs"
	"github.com/courier-ops/courier/internal/recurrence"
	"github.com/courier-ops/courier/internal/runs"
	"github.com/courier-ops/courier/internal/shared"
)

type stubTicker struct {
	calls  int
	report recurrence.TickReport
	err    error
}

func (s *stubTicker) PerformPeriodicActions(context.Context) (recurrence.TickReport, error) {
	s.calls++
	return s.report, s.err
}

type stubResumer struct {
	window time.Duration
	err    error
}

func (s *stubResumer) ResumePending(_ context.Context, window time.Duration) (runs.ResumeReport, error) {
	s.window = window
	return runs.ResumeReport{Scanned: 1}, s.err
}

func TestRecurrenceTickJobRunsScheduler(t *testing.T) {
	ticker := &stubTicker{report: recurrence.TickReport{Considered: 2, Eligible: 1, Fired: 1}}
	job := NewRecurrenceTickJob(ticker, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	require.NoError(t, job.Handle(context.Background(), NewRecurrenceTickTask(time.Minute)))
	require.Equal(t, 1, ticker.calls)
}

func TestRecurrenceTickJobDoesNotRetryPartialFailure(t *testing.T) {
	ticker := &stubTicker{err: errors.New("recurrence x: deadlock")}
	job := NewRecurrenceTickJob(ticker, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), NewRecurrenceTickTask(0))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorContains(t, err, "deadlock")

	var unconfigured *RecurrenceTickJob
	require.Error(t, unconfigured.Handle(context.Background(), NewRecurrenceTickTask(0)))
}

func TestDispatchResumeJobWindow(t *testing.T) {
	resumer := &stubResumer{}
	job := NewDispatchResumeJob(resumer, 6*time.Hour, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskDispatchResume, nil)))
	require.Equal(t, 6*time.Hour, resumer.window)

	task, err := NewDispatchResumeTask(30 * time.Minute)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 30*time.Minute, resumer.window)

	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskDispatchResume, []byte(`{"window":"soon"}`))), asynq.SkipRetry)

	resumer.err = errors.New("pg down")
	require.Error(t, job.Handle(context.Background(), task))
}

type stubInspector struct {
	queues map[string]*asynq.QueueInfo
	err    error
}

func (s stubInspector) Queues() ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	return names, nil
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.queues[queue], nil
}

func TestHealthReportsAgentBacklog(t *testing.T) {
	agent := AgentQueue(shared.NewAgentID())
	h := NewHandler(stubInspector{queues: map[string]*asynq.QueueInfo{
		QueueDefault: {Queue: QueueDefault, Pending: 1},
		agent:        {Queue: agent, Pending: 4, Retry: 1},
	}}, nil)
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Pending)
	require.Equal(t, 4, body.AgentPending)
	require.Len(t, body.AgentQueues, 1)

	h = NewHandler(stubInspector{err: errors.New("redis down")}, nil)
	r = chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
