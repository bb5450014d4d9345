package runs

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/courier-ops/courier/internal/access"
	"github.com/courier-ops/courier/internal/dispatch"
	"github.com/courier-ops/courier/internal/platform/httpx"
	"github.com/courier-ops/courier/internal/shared"
	"github.com/courier-ops/courier/internal/workflow"
)

// Handler serves workflow invocation and agent completion reports.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers execution routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/workflows/{id}/invoke", h.invoke)
	r.Get("/executions/{id}", h.get)
	r.Post("/executions/{id}/steps/{step}/complete", h.completeStep)
}

type invokeRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

type executionResponse struct {
	ID           shared.ExecutionID   `json:"id"`
	WorkflowID   shared.WorkflowID    `json:"workflow_id"`
	RecurrenceID *shared.RecurrenceID `json:"recurrence_id,omitempty"`
	Approvers    []shared.UserID      `json:"approvers,omitempty"`
	InvokedBy    *shared.UserID       `json:"invoked_by,omitempty"`
	RunStarted   time.Time            `json:"run_started"`
	Progress     workflow.Progress    `json:"progress"`
	Dispatched   []StepOutcome        `json:"dispatched,omitempty"`
}

func toResponse(exec Execution, results []dispatch.Result) executionResponse {
	progress := exec.Progress
	if progress == nil {
		progress = workflow.Progress{}
	}
	return executionResponse{
		ID:           exec.ID,
		WorkflowID:   exec.WorkflowID,
		RecurrenceID: exec.RecurrenceID,
		Approvers:    exec.Approvers,
		InvokedBy:    exec.InvokedBy,
		RunStarted:   exec.RunStarted,
		Progress:     progress,
		Dispatched:   Outcomes(results),
	}
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	wfID, err := shared.ParseWorkflowID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	var req invokeRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, _ := shared.ParseUserID(req.UserID)
	exec, results, err := h.service.Invoke(r.Context(), wfID, user)
	if err != nil && exec.ID == (shared.ExecutionID{}) {
		h.fail(w, err)
		return
	}
	if err != nil {
		h.logger.Warn("invoke persisted with dispatch errors", slog.String("execution_id", exec.ID.String()), slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusAccepted, toResponse(exec, results))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseExecutionID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	exec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(exec, nil))
}

func (h *Handler) completeStep(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseExecutionID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	step := shared.StepID(chi.URLParam(r, "step"))
	exec, results, err := h.service.CompleteStep(r.Context(), id, step)
	if err != nil && exec.ID == (shared.ExecutionID{}) {
		h.fail(w, err)
		return
	}
	if err != nil {
		h.logger.Warn("completion recorded with dispatch errors", slog.String("execution_id", id.String()), slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, toResponse(exec, results))
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		err = httpx.Wrap(httpx.ErrForbidden, err)
	case errors.Is(err, ErrExecutionNotFound), errors.Is(err, workflow.ErrWorkflowNotFound):
		err = httpx.Wrap(httpx.ErrNotFound, err)
	case errors.Is(err, workflow.ErrUnknownStep), errors.Is(err, workflow.ErrInvalidDefinition):
		err = httpx.Wrap(httpx.ErrValidation, err)
	case errors.Is(err, ErrStepNotDispatched):
		err = httpx.Wrap(httpx.ErrConflict, err)
	default:
		h.logger.Error("execution request", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
