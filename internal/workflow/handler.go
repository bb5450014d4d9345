package workflow

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/courier-ops/courier/internal/platform/httpx"
	"github.com/courier-ops/courier/internal/shared"
)

// Store is the subset of Repository the handler needs.
type Store interface {
	Create(ctx context.Context, name string, def Definition) (Workflow, error)
	Get(ctx context.Context, id shared.WorkflowID) (Workflow, error)
}

// Handler serves workflow definitions.
type Handler struct {
	logger    *slog.Logger
	store     Store
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, store Store) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, store: store, validator: httpx.NewValidator()}
}

// MountRoutes registers workflow routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/workflows", h.create)
	r.Get("/workflows/{id}", h.get)
}

type createRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Steps []Step `json:"steps" validate:"required,min=1"`
}

type workflowResponse struct {
	ID        shared.WorkflowID `json:"id"`
	Name      string            `json:"name"`
	Steps     []Step            `json:"steps"`
	Packages  int               `json:"packages"`
	CreatedAt time.Time         `json:"created_at"`
}

func toResponse(wf Workflow) workflowResponse {
	distinct := make(map[shared.PackageID]struct{})
	for _, s := range wf.Definition.Steps {
		distinct[s.PackageID] = struct{}{}
	}
	return workflowResponse{
		ID:        wf.ID,
		Name:      wf.Name,
		Steps:     wf.Definition.Steps,
		Packages:  len(distinct),
		CreatedAt: wf.CreatedAt,
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	wf, err := h.store.Create(r.Context(), req.Name, Definition{Steps: req.Steps})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("workflow created", slog.String("workflow_id", wf.ID.String()), slog.Int("steps", len(req.Steps)))
	httpx.JSON(w, http.StatusCreated, toResponse(wf))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseWorkflowID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	wf, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(wf))
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidDefinition):
		err = httpx.Wrap(httpx.ErrValidation, err)
	case errors.Is(err, ErrWorkflowNotFound):
		err = httpx.Wrap(httpx.ErrNotFound, err)
	default:
		h.logger.Error("workflow request", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
