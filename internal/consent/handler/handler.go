// Package handler serves read-only views of consent artifacts to operators.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"consentline/internal/consent/models"
	dErrors "consentline/pkg/domain-errors"
	"consentline/pkg/platform/httputil"
	"consentline/pkg/platform/sentinel"
)

// Service is the read side of the consent service.
type Service interface {
	Get(ctx context.Context, id string) (*models.ConsentArtifact, error)
	Latest(ctx context.Context, agreementID string) (*models.ConsentArtifact, error)
	History(ctx context.Context, agreementID string) ([]*models.ConsentArtifact, error)
	ListByPrincipal(ctx context.Context, principalRef string) ([]*models.ConsentArtifact, error)
}

type Handler struct {
	consent Service
	logger  *slog.Logger
}

func New(consent Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{consent: consent, logger: logger}
}

// Register mounts the artifact routes. Callers are expected to have applied
// operator authentication to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/ops/artifacts/{id}", h.handleGetArtifact)
	r.Get("/ops/agreements/{agreement_id}", h.handleLatest)
	r.Get("/ops/agreements/{agreement_id}/versions", h.handleVersions)
	r.Get("/ops/principals/{dp_id}/artifacts", h.handleListByPrincipal)
}

func (h *Handler) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := h.consent.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(r.Context(), w, "get artifact", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	a, err := h.consent.Latest(r.Context(), chi.URLParam(r, "agreement_id"))
	if err != nil {
		h.fail(r.Context(), w, "get latest artifact", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

func (h *Handler) handleVersions(w http.ResponseWriter, r *http.Request) {
	agreementID := chi.URLParam(r, "agreement_id")
	versions, err := h.consent.History(r.Context(), agreementID)
	if err != nil {
		h.fail(r.Context(), w, "list artifact versions", err)
		return
	}
	if len(versions) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "agreement not found: "+agreementID))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"agreement_id": agreementID, "versions": versions})
}

// handleListByPrincipal returns the latest version of every agreement held by
// the hashed principal reference. An unknown principal yields an empty list.
func (h *Handler) handleListByPrincipal(w http.ResponseWriter, r *http.Request) {
	dpID := chi.URLParam(r, "dp_id")
	artifacts, err := h.consent.ListByPrincipal(r.Context(), dpID)
	if err != nil {
		h.fail(r.Context(), w, "list artifacts by principal", err)
		return
	}
	if artifacts == nil {
		artifacts = []*models.ConsentArtifact{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"dp_id": dpID, "artifacts": artifacts})
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, action string, err error) {
	if errors.Is(err, sentinel.ErrNotFound) {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, err.Error()))
		return
	}
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, action+" failed",
			"error", err,
			"request_id", chimw.GetReqID(ctx),
		)
	}
	httputil.WriteError(w, err)
}
