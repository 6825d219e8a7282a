package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/actiongate/actiongate/internal/domain/action"
	"github.com/actiongate/actiongate/internal/domain/rbac"
	"github.com/actiongate/actiongate/internal/service"
)

// maxBodyBytes bounds request bodies on all mutating endpoints.
const maxBodyBytes = 1 << 20

// decisionCacheSize bounds the per-handler RBAC decision cache.
const decisionCacheSize = 1024

// ReadyReport is the strict readiness view served on /readyz.
type ReadyReport struct {
	Ready             bool     `json:"ready"`
	MissingTables     []string `json:"missing_tables,omitempty"`
	MissingExtensions []string `json:"missing_extensions,omitempty"`
}

// ReadyFunc produces a ReadyReport. Wired to the Postgres schema
// introspection in production; when nil, /readyz degrades to a store ping.
type ReadyFunc func(ctx context.Context) (*ReadyReport, error)

// Services bundles the application services the HTTP surface exposes.
type Services struct {
	Store        action.Store
	Policies     *service.PolicyStore
	Executor     *service.Executor
	Pending      *service.PendingLifecycle
	Materializer *service.Materializer
	Idempotency  *service.Idempotency
	Cleanup      *service.Cleanup
	Audit        *service.AuditWriter
}

// Handler owns the route table and translates between the wire and the
// services.
type Handler struct {
	svc       Services
	logger    *slog.Logger
	metrics   *Metrics
	ready     ReadyFunc
	devMode   bool
	decisions *rbac.DecisionCache

	jwtSecret string
	jwtAlg    string
	jwtVerify bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics sets the shared metrics instance.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithDevMode enables the mutating governance and maintenance routes.
func WithDevMode(on bool) HandlerOption {
	return func(h *Handler) { h.devMode = on }
}

// WithJWT configures local bearer-token verification. With verify false the
// claims are decoded without signature checks.
func WithJWT(secret, alg string, verify bool) HandlerOption {
	return func(h *Handler) {
		h.jwtSecret = secret
		h.jwtAlg = alg
		h.jwtVerify = verify
	}
}

// WithReadiness wires the strict readiness probe for /readyz.
func WithReadiness(fn ReadyFunc) HandlerOption {
	return func(h *Handler) { h.ready = fn }
}

// NewHandler creates the HTTP handler over the given services.
func NewHandler(svc Services, opts ...HandlerOption) *Handler {
	h := &Handler{
		svc:       svc,
		logger:    slog.Default(),
		decisions: rbac.NewDecisionCache(decisionCacheSize),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return h
}

// Routes builds the full route table wrapped in the middleware chain:
// metrics outermost, then tracing, then request id, then panic recovery.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.Handle("GET /metrics", h.metrics.Handler())

	mux.HandleFunc("GET /governance/policy", h.handleGetPolicy)
	mux.HandleFunc("POST /governance/policy/validate", h.handleValidatePolicy)
	mux.HandleFunc("PATCH /governance/policy", h.handlePatchPolicy)

	mux.HandleFunc("POST /actions/execute", h.handleExecuteAction)

	mux.HandleFunc("GET /cases", h.handleListCases)
	mux.HandleFunc("GET /cases/{id}", h.handleGetCase)
	mux.HandleFunc("GET /cases/{id}/recommendations", h.handleCaseRecommendations)
	mux.HandleFunc("GET /cases/{id}/actions", h.handleCaseActions)
	mux.HandleFunc("GET /cases/{id}/pending_actions", h.handleCasePendingActions)

	mux.HandleFunc("GET /pending_actions", h.handleListPendingActions)
	mux.HandleFunc("GET /pending_actions/{id}", h.handleGetPendingAction)
	mux.HandleFunc("POST /pending_actions/materialize", h.handleMaterialize)
	mux.HandleFunc("PATCH /pending_actions/{id}/decision", h.handleDecidePendingAction)
	mux.HandleFunc("POST /pending_actions/{id}/execute", h.handleExecutePendingAction)

	mux.HandleFunc("GET /audit/recent", h.handleAuditRecent)
	mux.HandleFunc("GET /audit/by_case/{id}", h.handleAuditByCase)

	mux.HandleFunc("POST /maintenance/cleanup", h.handleMaintenanceCleanup)
	mux.HandleFunc("GET /maintenance/status", h.handleMaintenanceStatus)

	var handler http.Handler = mux
	handler = RecoverMiddleware(handler)
	handler = RequestIDMiddleware(h.logger)(handler)
	handler = TracingMiddleware(handler)
	handler = MetricsMiddleware(h.metrics)(handler)
	return handler
}

// policySnapshot loads the effective policy or fails the request.
func (h *Handler) policySnapshot(w http.ResponseWriter, r *http.Request) (*service.PolicySnapshot, bool) {
	snap, err := h.svc.Policies.Snapshot()
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return snap, true
}

// decodeJSON reads and decodes the request body, rejecting unknown garbage
// with a 422.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return true
		}
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error",
			fmt.Sprintf("invalid JSON body: %v", err), nil)
		return false
	}
	return true
}

// parseLimit reads the limit query parameter, bounded to [1, max].
func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, &service.InvalidError{Reason: fmt.Sprintf("limit must be an integer between 1 and %d", max)}
	}
	return n, nil
}

// parseBool reads a boolean query parameter; absent returns def.
func parseBool(r *http.Request, name string, def bool) bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// toMap round-trips a value through JSON into a generic map, the shape the
// idempotency store persists.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
