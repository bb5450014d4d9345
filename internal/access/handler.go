package access

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/courier-ops/courier/internal/platform/httpx"
	"github.com/courier-ops/courier/internal/shared"
)

// Handler exposes the ledger over the admin API.
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

// MountRoutes registers ledger routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/access/rules", h.grantAccess)
	r.Delete("/access/rules", h.revokeAccess)
	r.Get("/access/rules/check", h.checkAccess)
	r.Get("/privileges", h.listPrivileges)
	r.Post("/privileges", h.grantPrivilege)
	r.Delete("/privileges", h.revokePrivilege)
	r.Get("/privileges/check", h.checkPrivilege)
}

type ruleRequest struct {
	PackageID string `json:"package_id" validate:"required,uuid"`
	UserID    string `json:"user_id" validate:"required,uuid"`
}

func (req ruleRequest) ids() (shared.PackageID, shared.UserID) {
	pkg, _ := shared.ParsePackageID(req.PackageID)
	user, _ := shared.ParseUserID(req.UserID)
	return pkg, user
}

type privilegeRequest struct {
	AccessRequirement string   `json:"access_requirement" validate:"required,max=512"`
	PackageIDs        []string `json:"package_ids" validate:"required,min=1,dive,uuid"`
	GranterID         string   `json:"granter_id" validate:"required,uuid"`
}

type revokePrivilegeRequest struct {
	AccessRequirement string `json:"access_requirement" validate:"required"`
	RevokerID         string `json:"revoker_id" validate:"required,uuid"`
}

type grantResponse struct {
	ID                string             `json:"id"`
	AccessRequirement string             `json:"access_requirement"`
	PackageIDs        []shared.PackageID `json:"package_ids"`
	GranterID         shared.UserID      `json:"granter_id"`
	GrantedAt         time.Time          `json:"granted_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	RevokedAt         *time.Time         `json:"revoked_at,omitempty"`
}

func toGrantResponse(g PrivilegeGrant) grantResponse {
	return grantResponse{
		ID:                g.ID.String(),
		AccessRequirement: g.AccessRequirement,
		PackageIDs:        g.PackageIDs,
		GranterID:         g.GranterID,
		GrantedAt:         g.GrantedAt,
		UpdatedAt:         g.UpdatedAt,
		RevokedAt:         g.RevokedAt,
	}
}

func (h *Handler) grantAccess(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	pkg, user := req.ids()
	if err := h.service.GrantAccess(r.Context(), pkg, user); err != nil {
		h.fail(w, "grant access", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeAccess(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	pkg, user := req.ids()
	if err := h.service.RevokeAccess(r.Context(), pkg, user); err != nil {
		h.fail(w, "revoke access", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) checkAccess(w http.ResponseWriter, r *http.Request) {
	req := ruleRequest{PackageID: r.URL.Query().Get("package_id"), UserID: r.URL.Query().Get("user_id")}
	if err := httpx.Validate(h.validator, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	pkg, user := req.ids()
	ok, err := h.service.IsAuthorized(r.Context(), pkg, user)
	if err != nil {
		h.fail(w, "check access", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"authorized": ok})
}

func (h *Handler) grantPrivilege(w http.ResponseWriter, r *http.Request) {
	var req privilegeRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	pkgs := make([]shared.PackageID, 0, len(req.PackageIDs))
	for _, raw := range req.PackageIDs {
		pkg, _ := shared.ParsePackageID(raw)
		pkgs = append(pkgs, pkg)
	}
	granter, _ := shared.ParseUserID(req.GranterID)
	grant, err := h.service.GrantPrivilege(r.Context(), req.AccessRequirement, pkgs, granter, time.Time{})
	if err != nil {
		h.fail(w, "grant privilege", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGrantResponse(grant))
}

func (h *Handler) revokePrivilege(w http.ResponseWriter, r *http.Request) {
	var req revokePrivilegeRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	revoker, _ := shared.ParseUserID(req.RevokerID)
	grant, err := h.service.RevokePrivilege(r.Context(), req.AccessRequirement, revoker)
	if err != nil {
		h.fail(w, "revoke privilege", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGrantResponse(grant))
}

func (h *Handler) listPrivileges(w http.ResponseWriter, r *http.Request) {
	grants, err := h.service.ListPrivileges(r.Context())
	if err != nil {
		h.fail(w, "list privileges", err)
		return
	}
	out := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, toGrantResponse(g))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) checkPrivilege(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("package_id")
	pkg, err := shared.ParsePackageID(raw)
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	ok, err := h.service.HasPrivilege(r.Context(), pkg)
	if err != nil {
		h.fail(w, "check privilege", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"privileged": ok})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrRequirementRequired):
		err = httpx.Wrap(httpx.ErrValidation, err)
	case errors.Is(err, ErrGrantNotFound):
		err = httpx.Wrap(httpx.ErrNotFound, err)
	case errors.Is(err, ErrUnauthorized):
		err = httpx.Wrap(httpx.ErrForbidden, err)
	default:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
