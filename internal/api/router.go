package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/gateway"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
	"github.com/fleetconsole-io/fleetconsole/internal/services"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Authenticator *gateway.Authenticator
	Gateway       *gateway.Gateway
	Logger        *zap.Logger

	Alerts   *services.AlertService
	Rules    *services.RuleService
	Channels *services.ChannelService
	Drift    *services.DriftService
	Security *services.SecurityService

	// Repositories used directly by handlers that do not need service-layer logic.
	Instances repositories.InstanceRepository
	Metrics   repositories.MetricRepository
	Events    repositories.InstanceEventRepository

	// Registry is the Prometheus registry served on /metrics.
	Registry *prometheus.Registry
}

// NewRouter builds and returns the fully configured Chi router. All REST
// routes are registered under /api/v1; the WebSocket gateway is mounted at
// /ws and performs its own pre-upgrade authentication.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	alertHandler := NewAlertHandler(cfg.Alerts, cfg.Logger)
	ruleHandler := NewRuleHandler(cfg.Rules, cfg.Logger)
	channelHandler := NewChannelHandler(cfg.Channels, cfg.Logger)
	driftHandler := NewDriftHandler(cfg.Drift, cfg.Logger)
	securityHandler := NewSecurityHandler(cfg.Security, cfg.Logger)
	instanceHandler := NewInstanceHandler(cfg.Instances, cfg.Metrics, cfg.Events, cfg.Logger)

	// --- Unauthenticated surface ---
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, envelope{"status": "ok"})
	})
	if cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	// The gateway authenticates the upgrade request itself so agents and
	// browsers share one entrypoint.
	r.Get("/ws", cfg.Gateway.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.Authenticator))

		// --- Instance directory (read only) ---
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", instanceHandler.List)
			r.Get("/{id}", instanceHandler.Get)
			r.Get("/{id}/metrics", instanceHandler.Metrics)
			r.Get("/{id}/events", instanceHandler.Events)
		})

		// --- Alerts ---
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", alertHandler.List)
			r.Get("/summary", alertHandler.Summary)
			r.Get("/{id}", alertHandler.Get)
			r.Group(func(r chi.Router) {
				r.Use(RequireWriter)
				r.Post("/{id}/acknowledge", alertHandler.Acknowledge)
				r.Post("/{id}/resolve", alertHandler.Resolve)
				r.Post("/bulk-acknowledge", alertHandler.BulkAcknowledge)
				r.Post("/bulk-resolve", alertHandler.BulkResolve)
			})
		})

		// --- Alert rules ---
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", ruleHandler.List)
			r.Get("/{id}", ruleHandler.Get)
			r.Group(func(r chi.Router) {
				r.Use(RequireWriter)
				r.Post("/", ruleHandler.Create)
				r.Put("/{id}", ruleHandler.Update)
				r.Patch("/{id}/enabled", ruleHandler.SetEnabled)
				r.Delete("/{id}", ruleHandler.Delete)
			})
		})

		// --- Notification channels ---
		r.Route("/channels", func(r chi.Router) {
			r.Get("/", channelHandler.List)
			r.Get("/{id}", channelHandler.Get)
			r.Group(func(r chi.Router) {
				r.Use(RequireWriter)
				r.Post("/", channelHandler.Create)
				r.Put("/{id}", channelHandler.Update)
				r.Delete("/{id}", channelHandler.Delete)
				r.Post("/{id}/test", channelHandler.Test)
			})
		})

		// --- Config drift ---
		r.Route("/drift", func(r chi.Router) {
			r.Get("/summary", driftHandler.Summary)
			r.Get("/snapshots", driftHandler.ListSnapshots)
			r.Get("/snapshots/{id}", driftHandler.GetSnapshot)
			r.Get("/events", driftHandler.ListEvents)
			r.With(RequireWriter).Post("/events/{id}/resolve", driftHandler.ResolveEvent)
		})

		// --- Security ---
		r.Route("/security", func(r chi.Router) {
			r.Get("/summary", securityHandler.Summary)
			r.Get("/vulnerabilities", securityHandler.ListVulnerabilities)
		})

		// --- Secrets vault ---
		r.Route("/secrets", func(r chi.Router) {
			r.Get("/", securityHandler.ListSecrets)
			r.Group(func(r chi.Router) {
				r.Use(RequireWriter)
				r.Post("/", securityHandler.CreateSecret)
				r.Delete("/{id}", securityHandler.DeleteSecret)
			})
			r.Group(func(r chi.Router) {
				r.Use(RequireElevated)
				r.Post("/{id}/rotate", securityHandler.RotateSecret)
				r.Get("/{id}/reveal", securityHandler.RevealSecret)
			})
		})
	})

	return r
}
