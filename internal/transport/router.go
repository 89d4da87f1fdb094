package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/careflow/internal/config"
	"github.com/pitabwire/careflow/internal/definition"
	"github.com/pitabwire/careflow/internal/inbox"
	"github.com/pitabwire/careflow/internal/observability"
	"github.com/pitabwire/careflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Engine      *workflow.Engine
	Inbox       *inbox.Inbox
	Definitions *definition.Catalog
	Logger      *zap.Logger

	// Optional. Nil metrics disables request metrics; a nil handler
	// serves the default Prometheus registry.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics endpoints skip request
// logging and the handler timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Operational routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		metricsHandler := deps.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = observability.Handler()
		}
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, metricsHandler)
	}

	// API routes.
	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Post("/instances", handleInstanceStart(deps.Engine))
		r.Get("/instances", handleInstanceList(deps.Engine))
		r.Get("/instances/{id}", handleInstanceGet(deps.Engine))
		r.Get("/instances/{id}/events", handleInstanceEvents(deps.Engine))
		r.Post("/instances/{id}/complete", handleInstanceComplete(deps.Engine))
		r.Post("/instances/{id}/cancel", handleInstanceCancel(deps.Engine))
		r.Post("/instances/{id}/suspend", handleInstanceSuspend(deps.Engine))
		r.Post("/instances/{id}/resume", handleInstanceResume(deps.Engine))

		r.Get("/tasks", handleTasks(deps.Inbox))

		r.Get("/definitions", handleDefinitionList(deps.Definitions))
		r.Post("/definitions", handleDefinitionPublish(deps.Definitions))
		r.Get("/definitions/{id}", handleDefinitionGet(deps.Definitions))
		r.Get("/definitions/{id}/versions", handleDefinitionVersions(deps.Definitions))
		r.Get("/definitions/{id}/versions/{version}", handleDefinitionVersion(deps.Definitions))

		r.Post("/webhooks/{definitionId}", handleWebhook(deps.Engine, deps.Definitions))
	})

	return r
}
