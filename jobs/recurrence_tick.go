package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/courier-ops/courier/internal/jobs"
	"github.com/courier-ops/courier/internal/recurrence"
)

// TickRunner performs one scheduler pass.
type TickRunner interface {
	PerformPeriodicActions(ctx context.Context) (recurrence.TickReport, error)
}

// RecurrenceTickJob runs the recurrence scheduler from the asynq cron entry.
type RecurrenceTickJob struct {
	Scheduler TickRunner
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewRecurrenceTickJob constructs the job handler.
func NewRecurrenceTickJob(scheduler TickRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *RecurrenceTickJob {
	return &RecurrenceTickJob{Scheduler: scheduler, Logger: logger, Metrics: metrics}
}

// Handle executes one tick. Per-recurrence failures are logged and reported
// to the metrics but not retried by asynq; the next tick picks them up.
func (j *RecurrenceTickJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Scheduler == nil {
		return errors.New("recurrence tick: scheduler not configured")
	}
	tracker := j.metrics().Track(TaskRecurrenceTick)
	report, err := j.Scheduler.PerformPeriodicActions(ctx)
	_ = tracker.End(err)

	attrs := []any{
		slog.Int("considered", report.Considered),
		slog.Int("eligible", report.Eligible),
		slog.Int("fired", report.Fired),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Int("dispatched", report.Dispatched),
		slog.Int("steps_failed", report.StepsFailed),
	}
	if err != nil {
		j.log().Error("recurrence tick", append(attrs, slog.Any("error", err))...)
		return errors.Join(err, asynq.SkipRetry)
	}
	if report.Eligible > 0 {
		j.log().Info("recurrence tick", attrs...)
	}
	return nil
}

func (j *RecurrenceTickJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RecurrenceTickJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRecurrenceTick))
	}
	return slog.Default().With(slog.String("job", TaskRecurrenceTick))
}
