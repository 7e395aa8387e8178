package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pushbot-io/pushbot/internal/deployer"
	"github.com/pushbot-io/pushbot/internal/logstream"
	"github.com/pushbot-io/pushbot/internal/repositories"
	"github.com/pushbot-io/pushbot/internal/ws"
)

// RouterConfig holds the dependencies needed to build the HTTP router,
// populated in main.go after all components are initialized.
type RouterConfig struct {
	Scheduler   *deployer.Scheduler
	Broadcaster *logstream.Broadcaster
	Hub         *ws.Hub
	Logger      *zap.Logger

	Services    repositories.ServiceRepository
	Deployments repositories.DeploymentRepository

	// WebhookSecret enables HMAC verification of push deliveries when
	// non-empty.
	WebhookSecret string
}

// NewRouter builds the fully configured Chi router. The webhook receiver
// lives at the root (providers POST to / or /webhook); everything else is
// under /api.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID tags each request for log correlation; RealIP recovers the
	// client address behind a reverse proxy; Recoverer turns handler panics
	// into 500s instead of crashing the server.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	webhookHandler := NewWebhookHandler(cfg.Services, cfg.Scheduler, cfg.WebhookSecret, cfg.Logger)
	serviceHandler := NewServiceHandler(cfg.Services, cfg.Scheduler, cfg.Logger)
	deploymentHandler := NewDeploymentHandler(cfg.Deployments, cfg.Services, cfg.Broadcaster, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	r.Post("/", webhookHandler.Receive)
	r.Post("/webhook", webhookHandler.Receive)

	r.Route("/api", func(r chi.Router) {
		r.Get("/services", serviceHandler.List)
		r.Post("/services/{id}/deploy", serviceHandler.Deploy)

		r.Get("/deployments", deploymentHandler.List)
		r.Get("/deployments/active", deploymentHandler.ListActive)
		r.Get("/deployments/{id}", deploymentHandler.GetByID)
		r.Get("/deployments/{id}/logs", deploymentHandler.Logs)
		r.Post("/deployments/clear", deploymentHandler.Clear)

		r.Get("/ws", wsHandler.ServeWS)
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
