package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/courier-ops/courier/internal/jobs"
	"github.com/courier-ops/courier/internal/runs"
)

// Resumer re-dispatches unfinished executions.
type Resumer interface {
	ResumePending(ctx context.Context, window time.Duration) (runs.ResumeReport, error)
}

// DispatchResumeJob sweeps executions whose frontier was not fully dispatched.
type DispatchResumeJob struct {
	Runs    Resumer
	Window  time.Duration
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewDispatchResumeJob constructs the job handler. window is used when the
// task payload does not carry one.
func NewDispatchResumeJob(resumer Resumer, window time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *DispatchResumeJob {
	return &DispatchResumeJob{Runs: resumer, Window: window, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep.
func (j *DispatchResumeJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Runs == nil {
		return errors.New("dispatch resume: runs service not configured")
	}
	window := j.Window
	if body := task.Payload(); len(body) > 0 {
		var payload DispatchResumePayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Window != "" {
			parsed, err := time.ParseDuration(payload.Window)
			if err != nil || parsed <= 0 {
				return asynq.SkipRetry
			}
			window = parsed
		}
	}
	if window <= 0 {
		window = 24 * time.Hour
	}

	tracker := j.metrics().Track(TaskDispatchResume)
	report, err := j.Runs.ResumePending(ctx, window)
	err = tracker.End(err)
	if err != nil {
		j.log().Error("resume pending", slog.Duration("window", window), slog.Any("error", err))
		return err
	}
	if report.Advanced > 0 {
		j.log().Info("resumed executions", slog.Int("scanned", report.Scanned), slog.Int("advanced", report.Advanced),
			slog.Int("dispatched", report.Dispatched), slog.Int("failed", report.Failed))
	}
	return nil
}

func (j *DispatchResumeJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DispatchResumeJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDispatchResume))
	}
	return slog.Default().With(slog.String("job", TaskDispatchResume))
}
