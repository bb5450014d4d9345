package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	jobmetrics "github.com/courier-ops/courier/internal/jobs"
	"github.com/courier-ops/courier/internal/platform/retry"
	"github.com/courier-ops/courier/internal/shared"
	"github.com/courier-ops/courier/internal/workflow"
)

// Config tunes the dispatcher.
type Config struct {
	Retry         retry.Policy
	RatePerSecond float64
	Burst         int
	Concurrency   int
}

// Dispatcher encrypts steps for their running entity and enqueues the
// resulting envelopes.
type Dispatcher struct {
	encrypter   Encrypter
	transit     Transit
	limiter     *rate.Limiter
	retry       retry.Policy
	concurrency int
	metrics     *jobmetrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher wires the pipeline. metrics and logger may be nil.
func NewDispatcher(enc Encrypter, transit Transit, cfg Config, metrics *jobmetrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Dispatcher{
		encrypter:   enc,
		transit:     transit,
		limiter:     rate.NewLimiter(limit, burst),
		retry:       cfg.Retry,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "dispatch")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for IssuedAt and CreatedAt.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// Dispatch sends one step of an execution to its running entity. Errors are
// reported in the Result, never panicked or swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, executionID shared.ExecutionID, workflowID shared.WorkflowID, step workflow.Step) Result {
	res := Result{StepID: step.ID, Recipient: step.RunningEntity}
	plaintext, err := json.Marshal(Instruction{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StepID:      step.ID,
		PackageID:   step.PackageID,
		Parameters:  step.Parameters,
		IssuedAt:    d.now(),
	})
	if err != nil {
		res.Err = fmt.Errorf("dispatch: encode step %s: %w", step.ID, err)
		return res
	}

	// Key lookups hit the store; only unknown or revoked recipients are final.
	ciphertext, err := retry.Do(ctx, d.retry, func(err error) bool { return !Permanent(err) }, func() ([]byte, error) {
		return d.encrypter.Encrypt(ctx, plaintext, step.RunningEntity)
	})
	if err != nil {
		d.metrics.ObserveDispatch(jobmetrics.OutcomeEncryptFailed)
		d.logger.Warn("encrypt step", slog.String("execution_id", executionID.String()), slog.String("step_id", string(step.ID)),
			slog.Bool("permanent", Permanent(err)), slog.Any("error", err))
		res.Err = fmt.Errorf("dispatch: encrypt step %s: %w", step.ID, err)
		return res
	}

	env := Envelope{ID: uuid.New(), Recipient: step.RunningEntity, Ciphertext: ciphertext, CreatedAt: d.now()}
	res.EnvelopeID = env.ID
	_, err = retry.Do(ctx, d.retry, nil, func() (struct{}, error) {
		res.Attempts++
		if err := d.limiter.Wait(ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, d.transit.Enqueue(ctx, env)
	})
	if err != nil {
		d.metrics.ObserveDispatch(jobmetrics.OutcomeTransitFailed)
		d.logger.Error("enqueue envelope", slog.String("execution_id", executionID.String()), slog.String("step_id", string(step.ID)),
			slog.String("envelope_id", env.ID.String()), slog.Int("attempts", res.Attempts), slog.Any("error", err))
		res.Err = fmt.Errorf("dispatch: enqueue step %s: %w", step.ID, err)
		return res
	}
	if res.Attempts > 1 {
		d.metrics.ObserveDispatch(jobmetrics.OutcomeRetriedEnqueue)
	}
	d.metrics.ObserveDispatch(jobmetrics.OutcomeEnqueued)
	return res
}

// DispatchAll dispatches a frontier concurrently. The returned results are in
// the order of steps; a failing step never prevents its siblings from sending.
func (d *Dispatcher) DispatchAll(ctx context.Context, executionID shared.ExecutionID, workflowID shared.WorkflowID, steps []workflow.Step) []Result {
	results := make([]Result, len(steps))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, step := range steps {
		g.Go(func() error {
			results[i] = d.Dispatch(ctx, executionID, workflowID, step)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
