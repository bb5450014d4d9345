package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/courier-ops/courier/internal/access"
	"github.com/courier-ops/courier/internal/dispatch"
	jobmetrics "github.com/courier-ops/courier/internal/jobs"
	"github.com/courier-ops/courier/internal/platform/cache"
	"github.com/courier-ops/courier/internal/platform/retry"
	"github.com/courier-ops/courier/internal/recurrence"
	"github.com/courier-ops/courier/internal/runs"
	"github.com/courier-ops/courier/internal/shared"
	"github.com/courier-ops/courier/internal/workflow"
)

// CoreParams groups the infrastructure both binaries share.
type CoreParams struct {
	Config     *Config
	Pool       *pgxpool.Pool
	Transit    dispatch.Transit
	Locker     cache.Locker
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Core holds the domain services wired against Postgres and the transit queue.
type Core struct {
	Access      *access.Service
	Workflows   *workflow.Repository
	Keys        *dispatch.KeyRepository
	Dispatcher  *dispatch.Dispatcher
	Runs        *runs.Service
	Recurrences *recurrence.Service
	Scheduler   *recurrence.Scheduler
	JobMetrics  *jobmetrics.Metrics
}

// NewCore builds the services. Locker may be nil when the binary never fires
// recurrences.
func NewCore(p CoreParams) *Core {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := jobmetrics.NewMetrics(p.Registerer)
	audit := shared.NewAuditLogger(p.Pool)

	accessSvc := access.NewService(access.NewRepository(p.Pool), audit, logger, access.ServiceConfig{Retry: retry.DefaultPolicy()})
	workflows := workflow.NewRepository(p.Pool)
	keys := dispatch.NewKeyRepository(p.Pool)
	dispatcher := dispatch.NewDispatcher(dispatch.NewBoxEncrypter(keys), p.Transit, p.Config.DispatchConfig(), metrics, logger)
	runsSvc := runs.NewService(runs.NewRepository(p.Pool), workflows, accessSvc, dispatcher, audit, logger)

	recurrenceRepo := recurrence.NewRepository(p.Pool)
	locker := p.Locker
	if locker == nil {
		locker = cache.NewMemoryLocker()
	}
	scheduler := recurrence.NewScheduler(recurrenceRepo, recurrence.DefaultPolicy(), runsSvc, locker, p.Config.SchedulerConfig(), metrics, logger)

	return &Core{
		Access:      accessSvc,
		Workflows:   workflows,
		Keys:        keys,
		Dispatcher:  dispatcher,
		Runs:        runsSvc,
		Recurrences: recurrence.NewService(recurrenceRepo, workflows, logger),
		Scheduler:   scheduler,
		JobMetrics:  metrics,
	}
}
