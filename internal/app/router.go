package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/courier-ops/courier/internal/access"
	"github.com/courier-ops/courier/internal/dispatch"
	"github.com/courier-ops/courier/internal/observability"
	"github.com/courier-ops/courier/internal/platform/httpx"
	"github.com/courier-ops/courier/internal/recurrence"
	"github.com/courier-ops/courier/internal/runs"
	"github.com/courier-ops/courier/internal/workflow"
	"github.com/courier-ops/courier/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	AccessHandler     *access.Handler
	WorkflowHandler   *workflow.Handler
	AgentHandler      *dispatch.Handler
	RecurrenceHandler *recurrence.Handler
	RunsHandler       *runs.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with the admin API.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	token := ""
	if params.Config != nil {
		token = params.Config.AdminToken
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireAdminToken(token, logger))
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		if params.AccessHandler != nil {
			params.AccessHandler.MountRoutes(r)
		}
		if params.WorkflowHandler != nil {
			params.WorkflowHandler.MountRoutes(r)
		}
		if params.AgentHandler != nil {
			params.AgentHandler.MountRoutes(r)
		}
		if params.RecurrenceHandler != nil {
			params.RecurrenceHandler.MountRoutes(r)
		}
		if params.RunsHandler != nil {
			params.RunsHandler.MountRoutes(r)
		}
	})
	return r
}
