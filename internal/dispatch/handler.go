package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/courier-ops/courier/internal/platform/httpx"
	"github.com/courier-ops/courier/internal/shared"
)

// KeyRegistry manages agent public keys.
type KeyRegistry interface {
	Register(ctx context.Context, agent shared.AgentID, key *PublicKey) error
	Revoke(ctx context.Context, agent shared.AgentID) error
}

// Handler serves agent key registration.
type Handler struct {
	logger    *slog.Logger
	keys      KeyRegistry
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, keys KeyRegistry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, keys: keys, validator: httpx.NewValidator()}
}

// MountRoutes registers agent key routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/agents/{id}/key", h.register)
	r.Delete("/agents/{id}/key", h.revoke)
}

type registerKeyRequest struct {
	PublicKey string `json:"public_key" validate:"required,base64"`
}

// DecodePublicKey parses a standard base64 X25519 public key.
func DecodePublicKey(encoded string) (*PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", shared.ErrInvalidInput, err)
	}
	var key PublicKey
	if len(raw) != len(key) {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", shared.ErrInvalidInput, len(key), len(raw))
	}
	copy(key[:], raw)
	return &key, nil
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	agent, err := shared.ParseAgentID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	var req registerKeyRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key, err := DecodePublicKey(req.PublicKey)
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	if err := h.keys.Register(r.Context(), agent, key); err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("agent key registered", slog.String("agent_id", agent.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	agent, err := shared.ParseAgentID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	if err := h.keys.Revoke(r.Context(), agent); err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("agent key revoked", slog.String("agent_id", agent.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownRecipient):
		err = httpx.Wrap(httpx.ErrNotFound, err)
	case errors.Is(err, shared.ErrInvalidInput):
		err = httpx.Wrap(httpx.ErrValidation, err)
	default:
		h.logger.Error("agent key request", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
