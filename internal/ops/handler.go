// Package ops exposes the operator HTTP surface of the pipeline: health,
// metrics, subscription registration, webhook test fire, audit chain and
// artifact hash verification, and dead-letter inspection.
package ops

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"consentline/internal/broker"
	"consentline/internal/consent/service"
	"consentline/internal/platform/metrics"
	"consentline/internal/webhook/dispatcher"
	"consentline/internal/webhook/models"
	dErrors "consentline/pkg/domain-errors"
	audit "consentline/pkg/platform/audit"
	"consentline/pkg/platform/httputil"
	authmw "consentline/pkg/platform/middleware/auth"
	"consentline/pkg/platform/middleware/metadata"
)

const (
	defaultPeekLimit = 50
	maxPeekLimit     = 500
	requestTimeout   = 30 * time.Second
)

type Webhooks interface {
	Register(ctx context.Context, sub models.Subscription) (*models.Subscription, error)
	List(ctx context.Context, dfID string) ([]models.Subscription, error)
}

type WebhookTester interface {
	TestFire(ctx context.Context, webhookID string) (*dispatcher.TestResult, error)
}

type AuditVerifier interface {
	Verify(ctx context.Context, principalRef, dfID string) (*audit.Report, error)
}

type ArtifactHistory interface {
	VerifyHistory(ctx context.Context, agreementID string) ([]service.VersionCheck, error)
}

type DeadLetters interface {
	Peek(ctx context.Context, queue string, limit int) ([]broker.Message, error)
}

// Mounter adds routes to the authenticated ops group.
type Mounter interface {
	Register(r chi.Router)
}

// Deps groups the collaborators the handler serves from.
type Deps struct {
	Webhooks    Webhooks
	Tester      WebhookTester
	Audit       AuditVerifier
	Artifacts   ArtifactHistory
	DeadLetters DeadLetters
	Validator   authmw.TokenValidator
	Metrics     *metrics.Metrics
	Gatherer    http.Handler
	Health      func(ctx context.Context) error
	Mounts      []Mounter
}

type Handler struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, logger: logger}
}

// Router builds the full ops router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register mounts the ops routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(requestTimeout))
	r.Use(metadata.ClientMetadata)
	r.Use(h.observe)

	r.Get("/healthz", h.handleHealth)
	if h.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Gatherer)
	}

	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireBearer(h.deps.Validator, h.logger))
		r.Post("/ops/webhooks", h.handleRegisterWebhook)
		r.Get("/ops/webhooks", h.handleListWebhooks)
		r.Post("/ops/webhooks/{id}/test", h.handleTestFire)
		r.Get("/ops/audit/{principal}", h.handleVerifyAudit)
		r.Get("/ops/artifacts/{agreement_id}/history", h.handleArtifactHistory)
		r.Get("/ops/dlq/{queue}", h.handlePeekDeadLetters)
		for _, m := range h.deps.Mounts {
			m.Register(r)
		}
	})
}

func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		h.deps.Metrics.ObserveOpsRequest(route, time.Since(start))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		if err := h.deps.Health(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", "error", err)
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var sub models.Subscription
	if err := httputil.DecodeJSON(r, &sub); err != nil {
		httputil.WriteError(w, err)
		return
	}
	created, err := h.deps.Webhooks.Register(ctx, sub)
	if err != nil {
		h.fail(ctx, w, "register webhook", err)
		return
	}
	h.logger.InfoContext(ctx, "webhook registered via ops",
		"webhook_id", created.ID,
		"operator", authmw.GetOperator(ctx),
		"client_ip", metadata.GetClientIP(ctx),
		"client", metadata.ClientSummary(metadata.GetUserAgent(ctx)),
		"request_id", chimw.GetReqID(ctx),
	)
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := h.deps.Webhooks.List(r.Context(), r.URL.Query().Get("df_id"))
	if err != nil {
		h.fail(r.Context(), w, "list webhooks", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"webhooks": subs})
}

func (h *Handler) handleTestFire(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.deps.Tester.TestFire(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(ctx, w, "test fire webhook", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dfID := r.URL.Query().Get("df_id")
	if dfID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "df_id is required"))
		return
	}
	report, err := h.deps.Audit.Verify(ctx, chi.URLParam(r, "principal"), dfID)
	if err != nil {
		h.fail(ctx, w, "verify audit chain", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) handleArtifactHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks, err := h.deps.Artifacts.VerifyHistory(ctx, chi.URLParam(r, "agreement_id"))
	if err != nil {
		h.fail(ctx, w, "verify artifact history", err)
		return
	}
	valid := true
	for _, c := range checks {
		valid = valid && c.HashOK
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"versions": checks, "valid": valid})
}

type deadLetterView struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body"`
	Deaths        []broker.Death    `json:"deaths,omitempty"`
	PublishedAt   time.Time         `json:"published_at"`
}

func (h *Handler) handlePeekDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queue := chi.URLParam(r, "queue")
	if !slices.Contains(broker.DeadLetterQueues(), queue) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "unknown dead-letter queue: "+queue))
		return
	}
	limit := defaultPeekLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxPeekLimit)
	}

	msgs, err := h.deps.DeadLetters.Peek(ctx, queue, limit)
	if err != nil {
		h.fail(ctx, w, "peek dead letters", err)
		return
	}
	out := make([]deadLetterView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, deadLetterView{
			ID:            m.ID,
			CorrelationID: m.CorrelationID,
			Headers:       m.Headers,
			Body:          string(m.Body),
			Deaths:        m.Deaths,
			PublishedAt:   m.PublishedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"queue": queue, "messages": out})
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, action string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, action+" failed",
			"error", err,
			"request_id", chimw.GetReqID(ctx),
		)
	}
	httputil.WriteError(w, err)
}
