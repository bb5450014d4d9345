package recurrence

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/courier-ops/courier/internal/platform/httpx"
	"github.com/courier-ops/courier/internal/shared"
	"github.com/courier-ops/courier/internal/workflow"
)

// Handler serves recurrence definitions and approvals.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	now       func() time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: httpx.NewValidator(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// MountRoutes registers recurrence routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/recurrences", h.list)
	r.Post("/recurrences", h.create)
	r.Get("/recurrences/{id}", h.get)
	r.Post("/recurrences/{id}/approvals", h.approve)
}

type createRequest struct {
	WorkflowID        string `json:"workflow_id" validate:"required,uuid"`
	ApproversRequired int    `json:"approvers_required" validate:"gte=0"`
	IntervalSeconds   int64  `json:"interval_seconds" validate:"gte=0"`
	Cron              string `json:"cron,omitempty" validate:"max=120"`
}

type approveRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

type recurrenceResponse struct {
	ID                shared.RecurrenceID `json:"id"`
	WorkflowID        shared.WorkflowID   `json:"workflow_id"`
	Approvers         []shared.UserID     `json:"approvers"`
	ApproversRequired int                 `json:"approvers_required"`
	IntervalSeconds   int64               `json:"interval_seconds,omitempty"`
	Cron              string              `json:"cron,omitempty"`
	MostRecentRun     *time.Time          `json:"most_recent_run,omitempty"`
	State             State               `json:"state"`
	CreatedAt         time.Time           `json:"created_at"`
}

func (h *Handler) toResponse(rec Recurrence) recurrenceResponse {
	approvers := rec.Approvers
	if approvers == nil {
		approvers = []shared.UserID{}
	}
	return recurrenceResponse{
		ID:                rec.ID,
		WorkflowID:        rec.WorkflowID,
		Approvers:         approvers,
		ApproversRequired: rec.NumberOfApproversRequired,
		IntervalSeconds:   int64(rec.Interval / time.Second),
		Cron:              rec.Cron,
		MostRecentRun:     rec.MostRecentRun,
		State:             h.service.StateAt(rec, h.now()),
		CreatedAt:         rec.CreatedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	recs, err := h.service.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]recurrenceResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, h.toResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	wfID, _ := shared.ParseWorkflowID(req.WorkflowID)
	rec, err := h.service.CreateRecurrence(r.Context(), NewRecurrence{
		WorkflowID:        wfID,
		ApproversRequired: req.ApproversRequired,
		Interval:          time.Duration(req.IntervalSeconds) * time.Second,
		Cron:              req.Cron,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, h.toResponse(rec))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseRecurrenceID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.toResponse(rec))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseRecurrenceID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	var req approveRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, _ := shared.ParseUserID(req.UserID)
	rec, err := h.service.Approve(r.Context(), id, user)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.toResponse(rec))
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRecurrenceNotFound), errors.Is(err, workflow.ErrWorkflowNotFound):
		err = httpx.Wrap(httpx.ErrNotFound, err)
	case errors.Is(err, ErrInvalidSchedule), errors.Is(err, ErrInvalidQuorum), errors.Is(err, workflow.ErrInvalidDefinition):
		err = httpx.Wrap(httpx.ErrValidation, err)
	default:
		h.logger.Error("recurrence request", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
