package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/pmisflow/internal/autostart"
	"github.com/pitabwire/pmisflow/internal/config"
	"github.com/pitabwire/pmisflow/internal/idempotency"
	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/internal/openapi"
	"github.com/pitabwire/pmisflow/internal/workflow"
)

// APIPrefix is the mount point of the workflow API.
const APIPrefix = "/api/v1"

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *workflow.Engine
	Authenticate func(http.Handler) http.Handler
	// Idempotency is optional; nil disables X-Idempotency-Key handling.
	Idempotency idempotency.Store
	// Publisher is optional; nil disables POST /events/submitted.
	Publisher autostart.Publisher
	APIDoc    *openapi.Index
	Metrics   *observability.Metrics
	Readiness observability.ReadinessChecks
	Logger    *zap.Logger
	// Now replaces time.Now for TAT and SLA reads.
	Now func() time.Time
}

func (d Dependencies) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the API description
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID(deps.Logger))
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.Handler())
	}
	if deps.APIDoc != nil {
		r.Method(http.MethodGet, "/openapi.json", deps.APIDoc.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	var ttl time.Duration
	if cfg.Idempotency.Enabled {
		ttl = cfg.Idempotency.Store.DefaultTTL
	} else {
		deps.Idempotency = nil
	}
	idem := Idempotency(deps.Idempotency, ttl, deps.Metrics, deps.Logger)

	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(MetricsRecording(deps.Metrics))
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.With(idem).Post("/workflows", handleWorkflowStart(deps))
		r.Get("/workflows/pending", handleWorkflowPending(deps))
		r.Get("/workflows/overdue", handleWorkflowOverdue(deps))
		r.Get("/workflows/{instanceId}", handleWorkflowGet(deps))
		r.With(idem).Post("/workflows/{instanceId}/forward", handleWorkflowForward(deps))
		r.With(idem).Post("/workflows/{instanceId}/revert", handleWorkflowRevert(deps))
		r.With(idem).Post("/workflows/{instanceId}/reject", handleWorkflowReject(deps))
		r.With(idem).Post("/workflows/{instanceId}/cancel", handleWorkflowCancel(deps))
		r.Get("/workflows/{instanceId}/history", handleWorkflowHistory(deps))
		r.Get("/workflows/{instanceId}/tat", handleWorkflowTAT(deps))
		r.Get("/workflows/{instanceId}/tat.xlsx", handleWorkflowTATExport(deps))
		r.With(idem).Post("/events/submitted", handleSubmissionPublish(deps))
	})

	return r
}
